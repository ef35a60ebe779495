package main

import (
	"context"
	"fmt"
	"os"

	"github.com/poolboot/poolboot/internal/bootfs"
	"github.com/poolboot/poolboot/internal/errkind"
	"github.com/poolboot/poolboot/internal/source"
	"github.com/poolboot/poolboot/internal/zpool"
)

// cmdAvail prints upstream images not yet installed on any bootable
// filesystem, newest first.
func (a *app) cmdAvail(ctx context.Context, args []string) error {
	if len(args) != 0 {
		return errkind.User("usage: poolboot avail")
	}

	avail, err := source.ListAvailable(ctx, source.Env{Config: a.cfg, Log: a.log})
	if err != nil {
		return err
	}

	installed := map[string]bool{}
	list, err := zpool.ListBootable(a.runner)
	if err != nil {
		return err
	}
	for _, b := range list {
		fs := bootfs.FS{Pool: b.Pool, Mount: b.Mountpoint}
		stamps, err := fs.PlatformStamps()
		if err != nil {
			return err
		}
		for _, s := range stamps {
			installed[s] = true
		}
	}

	for _, stamp := range avail {
		if installed[stamp] {
			continue
		}
		fmt.Fprintln(os.Stdout, stamp)
	}
	return nil
}
