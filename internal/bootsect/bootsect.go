// Package bootsect writes or erases loader code on the physical devices
// backing a pool. Per-device failures are recorded as warnings and do not
// stop the iteration: pool availability for booting requires just one
// working path, so the call fails only when every device failed. That
// policy is intentional, not a shortcut.
package bootsect

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/diskfs/go-diskfs"
	"github.com/diskfs/go-diskfs/filesystem"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/poolboot/poolboot/internal/bootfs"
	"github.com/poolboot/poolboot/internal/zpool"
)

// Mode selects between placing and removing loader code.
type Mode int

const (
	Write Mode = iota
	Erase
)

func (m Mode) String() string {
	if m == Erase {
		return "erase"
	}
	return "write"
}

// Loader stage binaries inside the active boot directory.
const (
	stageOne = "pmbr"
	stageTwo = "gptzfsboot"
)

// loaderSubtree is the payload directory removed from a System Partition
// in erase mode. Other partition content is left untouched.
const loaderSubtree = "boot"

// Mounter mounts a FAT System Partition for erase mode.
type Mounter interface {
	Mount(device, dir string) error
	Unmount(dir string) error
}

// FATMounter is the production Mounter.
type FATMounter struct{}

func (FATMounter) Mount(device, dir string) error {
	if err := unix.Mount(device, dir, "pcfs", 0, ""); err != nil {
		return errors.Wrapf(err, "mount %s", device)
	}
	return nil
}

func (FATMounter) Unmount(dir string) error {
	if err := unix.Unmount(dir, 0); err != nil {
		return errors.Wrapf(err, "unmount %s", dir)
	}
	return nil
}

// Programmer programs loader code across the devices of a pool.
type Programmer struct {
	Runner  zpool.Runner
	Mounter Mounter
	Log     zerolog.Logger
}

// Program writes or erases loader code on every underlying physical device
// of the filesystem's pool. Any partial success counts as overall success.
func (p Programmer) Program(fs bootfs.FS, mode Mode) error {
	devices, err := zpool.Devices(p.Runner, fs.Pool)
	if err != nil {
		return err
	}

	slice, err := p.loaderSlice(fs.Pool, devices[0])
	if err != nil {
		return err
	}
	p.Log.Debug().Str("pool", fs.Pool).Int("slice", slice).
		Str("mode", mode.String()).Msg("programming boot sectors")

	failed := 0
	for _, dev := range devices {
		var derr error
		if mode == Write {
			derr = p.writeDevice(fs, dev, slice)
		} else {
			derr = p.eraseDevice(dev)
		}
		if derr != nil {
			failed++
			p.Log.Warn().Str("device", dev).Err(derr).
				Msgf("boot sector %s failed", mode)
		}
	}
	if failed == len(devices) {
		return errors.Newf("boot sector %s failed on all %d devices of pool %s",
			mode, len(devices), fs.Pool)
	}
	return nil
}

// loaderSlice determines which slice holds loader code. A pool created
// with a reserved boot region, or a device whose first slice carries a FAT
// System Partition, keeps loader code on the next slice; otherwise loader
// code lives on the first slice directly.
func (p Programmer) loaderSlice(pool, dev string) (int, error) {
	reserved, err := zpool.HasBootRegion(p.Runner, pool)
	if err != nil {
		return 0, err
	}
	if reserved {
		return 1, nil
	}
	if hasSystemPartition(zpool.SlicePath(dev, 0)) {
		return 1, nil
	}
	return 0, nil
}

// hasSystemPartition probes a slice for a FAT-like System Partition.
func hasSystemPartition(path string) bool {
	disk, err := diskfs.Open(path, diskfs.WithOpenMode(diskfs.ReadOnly))
	if err != nil {
		return false
	}
	defer disk.Close()
	fsys, err := disk.GetFilesystem(0)
	if err != nil {
		return false
	}
	return fsys.Type() == filesystem.TypeFat32
}

// writeDevice invokes the privileged vendor installer to place first- and
// second-stage loader code on the chosen slice.
func (p Programmer) writeDevice(fs bootfs.FS, dev string, slice int) error {
	bootDir := fs.Path(bootfs.BootLink)
	return p.Runner.Run("installboot", "-m", "-b", bootDir,
		filepath.Join(bootDir, stageOne),
		filepath.Join(bootDir, stageTwo),
		rawDevice(zpool.SlicePath(dev, slice)))
}

// eraseDevice mounts the device's System Partition and deletes only the
// loader payload subtree.
func (p Programmer) eraseDevice(dev string) error {
	mnt, err := os.MkdirTemp("", "poolboot-esp-*")
	if err != nil {
		return errors.Wrap(err, "create mountpoint")
	}
	defer os.RemoveAll(mnt)

	if err := p.Mounter.Mount(zpool.SlicePath(dev, 0), mnt); err != nil {
		return err
	}
	defer func() {
		if uerr := p.Mounter.Unmount(mnt); uerr != nil {
			p.Log.Warn().Str("device", dev).Err(uerr).Msg("unmount failed")
		}
	}()

	if err := os.RemoveAll(filepath.Join(mnt, loaderSubtree)); err != nil {
		return errors.Wrap(err, "remove loader payload")
	}
	return nil
}

// rawDevice maps a block device path to its character device sibling, the
// form the vendor installer expects.
func rawDevice(dev string) string {
	return strings.Replace(dev, "/dsk/", "/rdsk/", 1)
}
