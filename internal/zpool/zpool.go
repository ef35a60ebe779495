// Package zpool is the inventory layer: it discovers which filesystems
// across which storage pools are designated bootable, enumerates the
// physical devices backing a pool, and creates the boot dataset during
// first-time enablement. All pool administration goes through the external
// zpool/zfs tooling via the Runner interface so tests can substitute a fake.
package zpool

import (
	"fmt"
	"os/exec"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"

	"github.com/poolboot/poolboot/internal/errkind"
)

// Runner executes external commands. Output returns stdout only.
type Runner interface {
	Output(name string, args ...string) ([]byte, error)
	Run(name string, args ...string) error
}

// ExecRunner is the production Runner.
type ExecRunner struct {
	Log zerolog.Logger
}

func (r ExecRunner) Output(name string, args ...string) ([]byte, error) {
	r.Log.Debug().Str("cmd", name).Strs("args", args).Msg("exec")
	out, err := exec.Command(name, args...).Output()
	if err != nil {
		return nil, errors.Wrapf(err, "%s %s", name, strings.Join(args, " "))
	}
	return out, nil
}

func (r ExecRunner) Run(name string, args ...string) error {
	r.Log.Debug().Str("cmd", name).Strs("args", args).Msg("exec")
	if err := exec.Command(name, args...).Run(); err != nil {
		return errors.Wrapf(err, "%s %s", name, strings.Join(args, " "))
	}
	return nil
}

// BootableFS identifies the filesystem within a pool designated to hold
// boot-loader and platform trees.
type BootableFS struct {
	Pool       string
	Dataset    string
	Mountpoint string
}

// ListBootable returns the ordered set of bootable filesystems: every pool
// whose bootfs designation is set, with the dataset's mountpoint resolved.
func ListBootable(r Runner) ([]BootableFS, error) {
	out, err := r.Output("zpool", "list", "-H", "-o", "name")
	if err != nil {
		return nil, errors.Wrap(err, "list pools")
	}

	var result []BootableFS
	for _, pool := range strings.Fields(string(out)) {
		dataset, err := poolProperty(r, pool, "bootfs")
		if err != nil {
			return nil, err
		}
		if dataset == "" {
			continue
		}
		mount, err := datasetProperty(r, dataset, "mountpoint")
		if err != nil {
			return nil, err
		}
		result = append(result, BootableFS{Pool: pool, Dataset: dataset, Mountpoint: mount})
	}
	return result, nil
}

// Select applies the target resolution policy: zero bootable filesystems is
// an error, exactly one is selected implicitly, more than one requires the
// caller to disambiguate by pool name.
func Select(list []BootableFS, pool string) (BootableFS, error) {
	if pool != "" {
		for _, fs := range list {
			if fs.Pool == pool {
				return fs, nil
			}
		}
		return BootableFS{}, errkind.User("pool %q has no bootable filesystem", pool)
	}
	switch len(list) {
	case 0:
		return BootableFS{}, errkind.User("no bootable filesystem found on any pool")
	case 1:
		return list[0], nil
	default:
		names := make([]string, len(list))
		for i, fs := range list {
			names[i] = fs.Pool
		}
		return BootableFS{}, errkind.User(
			"multiple bootable pools (%s), specify one", strings.Join(names, ", "))
	}
}

// Devices returns the whole-disk device paths backing pool, slice suffixes
// stripped. Order follows zpool status output.
func Devices(r Runner, pool string) ([]string, error) {
	out, err := r.Output("zpool", "status", "-P", pool)
	if err != nil {
		return nil, errors.Wrapf(err, "status of pool %s", pool)
	}

	var devs []string
	seen := map[string]bool{}
	for _, line := range strings.Split(string(out), "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 || !strings.HasPrefix(fields[0], "/dev/") {
			continue
		}
		dev := WholeDisk(fields[0])
		if !seen[dev] {
			seen[dev] = true
			devs = append(devs, dev)
		}
	}
	if len(devs) == 0 {
		return nil, errors.Newf("no devices found for pool %s", pool)
	}
	return devs, nil
}

// WholeDisk strips a trailing slice or partition suffix (s0, p1, ...) from
// a device path.
func WholeDisk(dev string) string {
	i := len(dev) - 1
	for i >= 0 && dev[i] >= '0' && dev[i] <= '9' {
		i--
	}
	if i > 0 && i < len(dev)-1 && (dev[i] == 's' || dev[i] == 'p') {
		return dev[:i]
	}
	return dev
}

// SlicePath returns the path of slice n on a whole-disk device.
func SlicePath(dev string, n int) string {
	return fmt.Sprintf("%ss%d", dev, n)
}

// HasBootRegion reports whether the pool was created with a reserved boot
// region (the bootsize pool property is set).
func HasBootRegion(r Runner, pool string) (bool, error) {
	v, err := poolProperty(r, pool, "bootsize")
	if err != nil {
		return false, err
	}
	return v != "", nil
}

// CreateBootDataset creates <pool>/boot if absent and records it as the
// pool's bootfs designation. Returns the resulting bootable filesystem.
func CreateBootDataset(r Runner, pool string) (BootableFS, error) {
	dataset := pool + "/boot"
	mount := "/" + dataset

	if _, err := datasetProperty(r, dataset, "mountpoint"); err != nil {
		if err := r.Run("zfs", "create", "-o", "mountpoint="+mount, dataset); err != nil {
			return BootableFS{}, errors.Wrapf(err, "create dataset %s", dataset)
		}
	} else if m, err := datasetProperty(r, dataset, "mountpoint"); err == nil && m != "" {
		mount = m
	}
	if err := r.Run("zpool", "set", "bootfs="+dataset, pool); err != nil {
		return BootableFS{}, errors.Wrapf(err, "set bootfs on %s", pool)
	}
	return BootableFS{Pool: pool, Dataset: dataset, Mountpoint: mount}, nil
}

// ClearBootDesignation unsets the pool's bootfs designation (disable).
func ClearBootDesignation(r Runner, pool string) error {
	if err := r.Run("zpool", "set", "bootfs=", pool); err != nil {
		return errors.Wrapf(err, "clear bootfs on %s", pool)
	}
	return nil
}

// RunningStamp returns the stamp of the currently running platform image,
// parsed from the kernel version banner (everything after the last '_').
func RunningStamp(r Runner) (string, error) {
	out, err := r.Output("uname", "-v")
	if err != nil {
		return "", errors.Wrap(err, "query running platform")
	}
	v := strings.TrimSpace(string(out))
	if i := strings.LastIndexByte(v, '_'); i >= 0 {
		v = v[i+1:]
	}
	if v == "" {
		return "", errors.Newf("cannot parse running platform stamp from %q", string(out))
	}
	return v, nil
}

func poolProperty(r Runner, pool, prop string) (string, error) {
	out, err := r.Output("zpool", "get", "-H", "-o", "value", prop, pool)
	if err != nil {
		return "", errors.Wrapf(err, "get %s of pool %s", prop, pool)
	}
	v := strings.TrimSpace(string(out))
	if v == "-" {
		return "", nil
	}
	return v, nil
}

func datasetProperty(r Runner, dataset, prop string) (string, error) {
	out, err := r.Output("zfs", "get", "-H", "-o", "value", prop, dataset)
	if err != nil {
		return "", errors.Wrapf(err, "get %s of %s", prop, dataset)
	}
	return strings.TrimSpace(string(out)), nil
}
