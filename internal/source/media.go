package source

import (
	"os"
	"path/filepath"

	"github.com/diskfs/go-diskfs"
	"github.com/rs/zerolog"

	"github.com/poolboot/poolboot/internal/bootfs"
	"github.com/poolboot/poolboot/internal/errkind"
)

// Locator enumerates block devices that may hold install media. The
// default scans removable device nodes; tests substitute plain files.
type Locator interface {
	Candidates() ([]string, error)
}

// DeviceLocator walks a device directory for removable media nodes.
type DeviceLocator struct {
	// Dir is the device directory to scan. Defaults to /dev/removable-media.
	Dir string
	Log zerolog.Logger
}

const defaultMediaDir = "/dev/removable-media"

func (l DeviceLocator) Candidates() ([]string, error) {
	dir := l.Dir
	if dir == "" {
		dir = defaultMediaDir
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errkind.OperationWrap(err, "scan removable media")
	}
	var paths []string
	for _, e := range entries {
		// Whole-device nodes only; slice nodes duplicate the scan.
		if isSliceNode(e.Name()) {
			continue
		}
		paths = append(paths, filepath.Join(dir, e.Name()))
	}
	return paths, nil
}

func isSliceNode(name string) bool {
	i := len(name)
	for i > 0 && name[i-1] >= '0' && name[i-1] <= '9' {
		i--
	}
	if i == len(name) || i == 0 {
		return false
	}
	return name[i-1] == 's' || name[i-1] == 'p'
}

// resolveMedia scans removable media for an install image and extracts the
// first candidate that carries one.
func resolveMedia(env Env, staging string) (*bootfs.ImageTree, error) {
	if env.Media == nil {
		return nil, errkind.Operation("no removable media scanner available")
	}
	candidates, err := env.Media.Candidates()
	if err != nil {
		return nil, err
	}
	for _, dev := range candidates {
		if !isInstallMedia(dev) {
			env.Log.Debug().Str("device", dev).Msg("not install media, skipping")
			continue
		}
		env.Log.Info().Str("device", dev).Msg("found install media")
		return extractISO(dev, staging)
	}
	return nil, errkind.Operation("no install media found")
}

// isInstallMedia reports whether dev holds an ISO9660 image with a
// platform payload.
func isInstallMedia(dev string) bool {
	disk, err := diskfs.Open(dev, diskfs.WithOpenMode(diskfs.ReadOnly))
	if err != nil {
		return false
	}
	defer disk.Close()
	fsys, err := disk.GetFilesystem(0)
	if err != nil {
		return false
	}
	if _, err := fsys.ReadDir("/platform"); err != nil {
		return false
	}
	return true
}
