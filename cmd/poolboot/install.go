package main

import (
	"context"

	"github.com/poolboot/poolboot/internal/bootfs"
	"github.com/poolboot/poolboot/internal/errkind"
	"github.com/poolboot/poolboot/internal/menu"
	"github.com/poolboot/poolboot/internal/source"
)

// cmdInstall fetches, verifies and installs an image without changing the
// active default.
func (a *app) cmdInstall(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return errkind.User("usage: poolboot install <source> [pool]")
	}
	spec := args[0]
	pool, err := poolArg(args[1:])
	if err != nil {
		return err
	}

	fs, err := a.selectFS(pool)
	if err != nil {
		return err
	}

	env := source.Env{Config: a.cfg, Media: source.DeviceLocator{Log: a.log}, Log: a.log}
	res, err := source.Resolve(ctx, env, fs, spec)
	if err != nil {
		return err
	}
	defer res.Close()

	if err := bootfs.Install(fs, res.Tree); err != nil {
		return err
	}
	a.log.Info().Str("stamp", res.Tree.Stamp).Str("pool", fs.Pool).Msg("image installed")
	return menu.Regenerate(fs)
}
