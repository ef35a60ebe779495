package main

import (
	"github.com/poolboot/poolboot/internal/bootfs"
	"github.com/poolboot/poolboot/internal/errkind"
)

// cmdActivate makes an already-installed image the default.
func (a *app) cmdActivate(args []string) error {
	if len(args) < 1 {
		return errkind.User("usage: poolboot activate <stamp> [pool]")
	}
	stamp := args[0]
	pool, err := poolArg(args[1:])
	if err != nil {
		return err
	}

	fs, err := a.selectFS(pool)
	if err != nil {
		return err
	}
	return bootfs.Activate(fs, stamp, bootfs.ActivateDeps{
		Regen:          a.regen,
		ProgramSectors: a.programWrite,
		Log:            a.log,
	})
}
