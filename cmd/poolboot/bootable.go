package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/pflag"

	"github.com/poolboot/poolboot/internal/bootfs"
	"github.com/poolboot/poolboot/internal/cli"
	"github.com/poolboot/poolboot/internal/enable"
	"github.com/poolboot/poolboot/internal/errkind"
	"github.com/poolboot/poolboot/internal/fleet"
	"github.com/poolboot/poolboot/internal/netcheck"
	"github.com/poolboot/poolboot/internal/source"
	"github.com/poolboot/poolboot/internal/zpool"
)

// defaultKeyDir is where the fleet boot key is conventionally mounted for
// head-node enablement.
const defaultKeyDir = "/mnt/bootkey"

// cmdBootable queries pool bootability or changes it: -e enables (with an
// optional image source and role), -d disables, -R refreshes loader code
// and the menu on an already-bootable pool.
func (a *app) cmdBootable(ctx context.Context, args []string) error {
	flags := pflag.NewFlagSet("bootable", pflag.ContinueOnError)
	enableFlag := flags.BoolP("enable", "e", false, "make the pool bootable")
	disable := flags.BoolP("disable", "d", false, "clear the pool's boot designation")
	refresh := flags.BoolP("refresh", "R", false, "rewrite loader code and regenerate the menu")
	src := flags.StringP("install", "i", "", "image source for enablement")
	roleName := flags.StringP("role", "r", "", "enablement role (standalone, compute, head)")
	fleetURL := flags.String("fleet", "", "fleet coordinator base URL")
	keyDir := flags.String("key", defaultKeyDir, "mounted fleet boot key")
	if err := flags.Parse(args); err != nil {
		return errkind.User("usage: poolboot bootable [-e [-i source] [-r role]] [-d] [-R] [pool]")
	}

	set := 0
	for _, b := range []bool{*enableFlag, *disable, *refresh} {
		if b {
			set++
		}
	}
	if set > 1 {
		return errkind.User("-e, -d and -R are mutually exclusive")
	}

	pool, err := poolArg(flags.Args())
	if err != nil {
		return err
	}

	switch {
	case *enableFlag:
		return a.bootableEnable(ctx, pool, *src, *roleName, *fleetURL, *keyDir)
	case *disable:
		if pool == "" {
			return errkind.User("disabling requires an explicit pool name")
		}
		return zpool.ClearBootDesignation(a.runner, pool)
	case *refresh:
		fs, err := a.selectFS(pool)
		if err != nil {
			return err
		}
		if err := a.programWrite(fs); err != nil {
			return err
		}
		return a.regen(fs)
	default:
		return a.bootableStatus(pool)
	}
}

func (a *app) bootableEnable(ctx context.Context, pool, src, roleName, fleetURL, keyDir string) error {
	if pool == "" {
		return errkind.User("enabling requires an explicit pool name")
	}
	if roleName == "" {
		roleName = cli.Ask("Enablement role (standalone, compute, head)", "standalone")
	}
	role, err := enable.ParseRole(roleName)
	if err != nil {
		return err
	}

	env := enable.Env{
		Runner:  a.runner,
		Config:  a.cfg,
		Media:   source.DeviceLocator{Log: a.log},
		KeyDir:  keyDir,
		LinkUp:  netcheck.PhysicalLinkUp,
		Confirm: func(prompt string) bool { return cli.AskYesNo(prompt, false) },
		Program: a.programWrite,
		Regen:   a.regen,
		Log:     a.log,
	}
	if fleetURL != "" {
		env.Fleet = fleet.New(fleetURL, a.log)
	}
	return enable.Enable(ctx, env, pool, src, role)
}

// bootableStatus prints each pool with its boot designation, or just the
// named one.
func (a *app) bootableStatus(pool string) error {
	list, err := zpool.ListBootable(a.runner)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 2, 8, 2, ' ', 0)
	found := false
	for _, b := range list {
		if pool != "" && b.Pool != pool {
			continue
		}
		found = true
		state := "bootable"
		fs := bootfs.FS{Pool: b.Pool, Mount: b.Mountpoint}
		if ok, err := fs.Populated(); err != nil {
			return err
		} else if !ok {
			state = "designated, not populated"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", b.Pool, b.Dataset, state)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if pool != "" && !found {
		return errkind.User("pool %q has no boot designation", pool)
	}
	return nil
}
