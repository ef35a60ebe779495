package main

import (
	"context"

	"github.com/poolboot/poolboot/internal/bootfs"
	"github.com/poolboot/poolboot/internal/errkind"
	"github.com/poolboot/poolboot/internal/source"
)

// cmdUpdate installs the newest published image (if not already present)
// and makes it the default.
func (a *app) cmdUpdate(ctx context.Context, args []string) error {
	pool, err := poolArg(args)
	if err != nil {
		return err
	}
	fs, err := a.selectFS(pool)
	if err != nil {
		return err
	}

	env := source.Env{Config: a.cfg, Media: source.DeviceLocator{Log: a.log}, Log: a.log}
	stamp, err := source.LatestStamp(ctx, env)
	if err != nil {
		return err
	}
	if !bootfs.ValidStamp(stamp) {
		return errkind.Operation("upstream reported malformed latest stamp %q", stamp)
	}

	active, err := fs.ActivePlatform()
	if err != nil {
		return err
	}
	if active == stamp {
		a.log.Info().Str("stamp", stamp).Msg("already running the latest image")
		return nil
	}

	if dirExists(fs.PlatformDir(stamp)) {
		a.log.Info().Str("stamp", stamp).Msg("latest image already installed")
	} else {
		res, err := source.Resolve(ctx, env, fs, stamp)
		if err != nil {
			return err
		}
		defer res.Close()
		if err := bootfs.Install(fs, res.Tree); err != nil {
			return err
		}
	}

	return bootfs.Activate(fs, stamp, bootfs.ActivateDeps{
		Regen:          a.regen,
		ProgramSectors: a.programWrite,
		Log:            a.log,
	})
}
