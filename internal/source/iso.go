package source

import (
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/diskfs/go-diskfs"
	"github.com/diskfs/go-diskfs/filesystem"

	"github.com/poolboot/poolboot/internal/bootfs"
	"github.com/poolboot/poolboot/internal/errkind"
)

// Directories an install image carries at its root.
const (
	isoPlatformDir = "/platform"
	isoBootDir     = "/boot"
)

// extractISO stages the platform payload and loader bits out of an
// optical-image container. Optical sources always carry loader bits.
func extractISO(isoPath, staging string) (*bootfs.ImageTree, error) {
	disk, err := diskfs.Open(isoPath, diskfs.WithOpenMode(diskfs.ReadOnly))
	if err != nil {
		return nil, errkind.OperationWrap(err, "open optical image")
	}
	defer disk.Close()

	fsys, err := disk.GetFilesystem(0)
	if err != nil {
		return nil, errkind.OperationWrap(err, "read optical image filesystem")
	}

	platDest := filepath.Join(staging, "platform")
	if err := copyFromImage(fsys, isoPlatformDir, platDest); err != nil {
		return nil, errkind.OperationWrap(err, "extract platform payload")
	}
	bootDest := filepath.Join(staging, "boot")
	if err := copyFromImage(fsys, isoBootDir, bootDest); err != nil {
		return nil, errkind.OperationWrap(err, "extract loader bits")
	}

	stamp, err := stampFromPayload(platDest)
	if err != nil {
		return nil, err
	}
	return &bootfs.ImageTree{Stamp: stamp, PlatformDir: platDest, BootDir: bootDest}, nil
}

// stampFromPayload reads the version record inside a staged platform
// payload.
func stampFromPayload(platDir string) (string, error) {
	data, err := os.ReadFile(filepath.Join(platDir, bootfs.VersionRecord))
	if err != nil {
		return "", errkind.Operation("image carries no platform version record")
	}
	stamp := strings.TrimSpace(string(data))
	if !bootfs.ValidStamp(stamp) {
		return "", errkind.Operation("image version record %q is not a stamp", stamp)
	}
	return stamp, nil
}

// copyFromImage recursively copies a directory tree out of a read-only
// image filesystem.
func copyFromImage(fsys filesystem.FileSystem, src, dest string) error {
	entries, err := fsys.ReadDir(src)
	if err != nil {
		return errors.Wrapf(err, "read %s", src)
	}
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return err
	}
	for _, e := range entries {
		srcPath := path.Join(src, e.Name())
		destPath := filepath.Join(dest, e.Name())
		if e.IsDir() {
			if err := copyFromImage(fsys, srcPath, destPath); err != nil {
				return err
			}
			continue
		}
		if err := copyImageFile(fsys, srcPath, destPath); err != nil {
			return err
		}
	}
	return nil
}

func copyImageFile(fsys filesystem.FileSystem, src, dest string) error {
	in, err := fsys.OpenFile(src, os.O_RDONLY)
	if err != nil {
		return errors.Wrapf(err, "open %s", src)
	}
	defer in.Close()

	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return errors.Wrapf(err, "copy %s", src)
	}
	return out.Close()
}
