package main

import (
	"github.com/poolboot/poolboot/internal/bootfs"
	"github.com/poolboot/poolboot/internal/errkind"
)

// cmdRemove deletes an installed image and its boot tree.
func (a *app) cmdRemove(args []string) error {
	if len(args) < 1 {
		return errkind.User("usage: poolboot remove <stamp> [pool]")
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
	if err := bootfs.Remove(fs, stamp, a.regen); err != nil {
		return err
	}
	a.log.Info().Str("stamp", stamp).Str("pool", fs.Pool).Msg("image removed")
	return nil
}
