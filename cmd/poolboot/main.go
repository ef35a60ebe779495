// poolboot manages bootable platform images on storage-pool-backed boot
// filesystems: installing, activating, listing and removing images, and
// making pools bootable in the first place.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/poolboot/poolboot/internal/bootfs"
	"github.com/poolboot/poolboot/internal/bootsect"
	"github.com/poolboot/poolboot/internal/cli"
	"github.com/poolboot/poolboot/internal/config"
	"github.com/poolboot/poolboot/internal/errkind"
	"github.com/poolboot/poolboot/internal/logging"
	"github.com/poolboot/poolboot/internal/menu"
	"github.com/poolboot/poolboot/internal/zpool"
)

const usage = `usage: poolboot [-v] [-y] <command> [args]

commands:
  activate | assign <stamp> [pool]   make <stamp> the default image
  avail                              list images available upstream
  bootable [-e [-i src] [-r role]] [-d] [-R] [pool]
                                     query, enable, disable or refresh
                                     pool bootability
  install <source> [pool]            install an image
  list [-H] [pool]                   list installed images
  remove | destroy <stamp> [pool]    remove an installed image
  update [pool]                      install and activate the latest image
`

// app bundles what every subcommand needs.
type app struct {
	cfg    config.Config
	runner zpool.Runner
	log    zerolog.Logger
}

func main() {
	flags := pflag.NewFlagSet("poolboot", pflag.ContinueOnError)
	flags.SetInterspersed(false)
	verbose := flags.BoolP("verbose", "v", false, "debug logging")
	yes := flags.BoolP("yes", "y", false, "automatic yes to prompts")
	flags.Usage = func() { fmt.Fprint(os.Stderr, usage) }

	if err := flags.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			os.Exit(0)
		}
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}

	log := logging.Setup(*verbose)
	cli.YesFlag = *yes

	args := flags.Args()
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}

	cfg, err := config.Load(config.DefaultPath, log)
	if err != nil {
		log.Error().Err(err).Msg("load configuration")
		os.Exit(errkind.ExitCode(err))
	}

	a := &app{cfg: cfg, runner: zpool.ExecRunner{Log: log}, log: log}
	ctx := context.Background()

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "activate", "assign":
		err = a.cmdActivate(rest)
	case "avail":
		err = a.cmdAvail(ctx, rest)
	case "bootable":
		err = a.cmdBootable(ctx, rest)
	case "install":
		err = a.cmdInstall(ctx, rest)
	case "list":
		err = a.cmdList(rest)
	case "remove", "destroy":
		err = a.cmdRemove(rest)
	case "update":
		err = a.cmdUpdate(ctx, rest)
	case "help":
		fmt.Fprint(os.Stderr, usage)
	default:
		err = errkind.User("unknown command %q", cmd)
	}

	if err != nil {
		log.Error().Err(err).Str("command", cmd).Msg("command failed")
		os.Exit(errkind.ExitCode(err))
	}
}

// selectFS resolves the target bootable filesystem: the named pool's, or
// the only one when the name is omitted.
func (a *app) selectFS(pool string) (bootfs.FS, error) {
	list, err := zpool.ListBootable(a.runner)
	if err != nil {
		return bootfs.FS{}, err
	}
	b, err := zpool.Select(list, pool)
	if err != nil {
		return bootfs.FS{}, err
	}
	return bootfs.FS{Pool: b.Pool, Mount: b.Mountpoint}, nil
}

// poolArg interprets an optional trailing [pool] argument.
func poolArg(args []string) (string, error) {
	switch len(args) {
	case 0:
		return "", nil
	case 1:
		return args[0], nil
	default:
		return "", errkind.User("too many arguments")
	}
}

func (a *app) programWrite(fs bootfs.FS) error {
	p := bootsect.Programmer{Runner: a.runner, Mounter: bootsect.FATMounter{}, Log: a.log}
	return p.Program(fs, bootsect.Write)
}

func (a *app) programErase(fs bootfs.FS) error {
	p := bootsect.Programmer{Runner: a.runner, Mounter: bootsect.FATMounter{}, Log: a.log}
	return p.Program(fs, bootsect.Erase)
}

func (a *app) regen(fs bootfs.FS) error {
	return menu.Regenerate(fs)
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
