// Package bootfs models the on-disk layout of a bootable filesystem: the
// immutable platform-<stamp> and boot-<stamp> trees, the active link set
// (platform and boot symlinks plus the boot version record), installation
// and removal of images, and the activation state machine.
//
// Concurrent runs against the same bootable filesystem are unsafe by
// design; serialization is the caller's responsibility. The only atomicity
// relied upon is symlink replacement via rename.
package bootfs

import (
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/poolboot/poolboot/internal/errkind"
)

// Layout names relative to the filesystem mountpoint.
const (
	PlatformPrefix = "platform-"
	BootPrefix     = "boot-"
	PlatformLink   = "platform"
	BootLink       = "boot"
	BootRecord     = "etc/version/boot" // active boot stamp record
	MenuDir        = "os"
	CustomDir      = "custom" // operator loader overrides
)

// VersionRecord is the version file inside a platform tree, relative to
// the platform-<stamp> directory. Its content must equal the stamp.
const VersionRecord = "etc/version/platform"

// FS is a bootable filesystem on a storage pool.
type FS struct {
	Pool  string
	Mount string
}

// ImageTree is a verified local image staged for installation.
type ImageTree struct {
	Stamp       string
	PlatformDir string // extracted platform payload root
	BootDir     string // loader bits; empty when the source carried none
}

// HasLoader reports whether the source shipped loader bits.
func (t *ImageTree) HasLoader() bool { return t.BootDir != "" }

var stampRe = regexp.MustCompile(`^[0-9]{8}T[0-9]{6}Z$`)

// ValidStamp reports whether s is a well-formed platform image stamp.
func ValidStamp(s string) bool { return stampRe.MatchString(s) }

// Path joins parts under the filesystem mountpoint.
func (fs FS) Path(parts ...string) string {
	return filepath.Join(append([]string{fs.Mount}, parts...)...)
}

// PlatformDir returns the platform tree path for a stamp.
func (fs FS) PlatformDir(stamp string) string { return fs.Path(PlatformPrefix + stamp) }

// BootDir returns the boot tree path for a stamp.
func (fs FS) BootDir(stamp string) string { return fs.Path(BootPrefix + stamp) }

// PlatformStamps returns installed platform stamps in ascending order.
func (fs FS) PlatformStamps() ([]string, error) {
	return fs.stampsWithPrefix(PlatformPrefix)
}

// BootStamps returns installed boot stamps in ascending order.
func (fs FS) BootStamps() ([]string, error) {
	return fs.stampsWithPrefix(BootPrefix)
}

func (fs FS) stampsWithPrefix(prefix string) ([]string, error) {
	entries, err := os.ReadDir(fs.Mount)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", fs.Mount)
	}
	var stamps []string
	for _, e := range entries {
		name := e.Name()
		if !e.IsDir() || !strings.HasPrefix(name, prefix) {
			continue
		}
		stamp := strings.TrimPrefix(name, prefix)
		if ValidStamp(stamp) {
			stamps = append(stamps, stamp)
		}
	}
	sort.Strings(stamps)
	return stamps, nil
}

// ActivePlatform returns the stamp the platform pointer targets, or ""
// when the pointer is absent (uninitialized filesystem).
func (fs FS) ActivePlatform() (string, error) {
	return fs.readPointer(PlatformLink, PlatformPrefix)
}

// ActiveBoot returns the stamp the boot pointer targets, or "" when the
// pointer is absent.
func (fs FS) ActiveBoot() (string, error) {
	return fs.readPointer(BootLink, BootPrefix)
}

// readPointer resolves one of the active links, enforcing the read-time
// structural invariants: the entry must be a symlink, its target must be a
// stamp directory of the right prefix, and that directory must exist.
func (fs FS) readPointer(link, prefix string) (string, error) {
	path := fs.Path(link)
	info, err := os.Lstat(path)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrapf(err, "stat %s", path)
	}
	if info.Mode()&os.ModeSymlink == 0 {
		return "", errkind.Corruption("%s exists but is not a symlink", path)
	}
	target, err := os.Readlink(path)
	if err != nil {
		return "", errors.Wrapf(err, "readlink %s", path)
	}
	base := filepath.Base(target)
	stamp := strings.TrimPrefix(base, prefix)
	if !strings.HasPrefix(base, prefix) || !ValidStamp(stamp) {
		return "", errkind.Corruption("%s points at %q, not a %s<stamp> directory", path, target, prefix)
	}
	if _, err := os.Stat(fs.Path(base)); err != nil {
		return "", errkind.Corruption("%s points at missing directory %s", path, base)
	}
	return stamp, nil
}

// SetPointer atomically repoints one of the active links at a stamp
// directory, using a relative target so the filesystem stays relocatable.
func (fs FS) SetPointer(link, prefix, stamp string) error {
	path := fs.Path(link)
	tmp := path + ".new"
	os.Remove(tmp)
	if err := os.Symlink(prefix+stamp, tmp); err != nil {
		return errors.Wrapf(err, "symlink %s", tmp)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return errors.Wrapf(err, "replace %s", path)
	}
	return nil
}

// RecordedBootStamp reads the boot version record, or "" when absent.
func (fs FS) RecordedBootStamp() (string, error) {
	data, err := os.ReadFile(fs.Path(BootRecord))
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrap(err, "read boot version record")
	}
	return strings.TrimSpace(string(data)), nil
}

// WriteBootRecord updates the boot version record.
func (fs FS) WriteBootRecord(stamp string) error {
	path := fs.Path(BootRecord)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "create version record dir")
	}
	if err := os.WriteFile(path, []byte(stamp+"\n"), 0o644); err != nil {
		return errors.Wrap(err, "write boot version record")
	}
	return nil
}

// PlatformVersion reads the version record inside an installed platform
// tree and verifies it matches the stamp directory it lives in.
func (fs FS) PlatformVersion(stamp string) (string, error) {
	data, err := os.ReadFile(filepath.Join(fs.PlatformDir(stamp), VersionRecord))
	if err != nil {
		return "", errors.Wrapf(err, "read version record of %s", stamp)
	}
	v := strings.TrimSpace(string(data))
	if v != stamp {
		return "", errkind.Corruption("platform-%s carries version record %q", stamp, v)
	}
	return v, nil
}

// Populated reports whether the filesystem already holds at least one
// platform tree and one boot tree (the enablement idempotency guard).
func (fs FS) Populated() (bool, error) {
	ps, err := fs.PlatformStamps()
	if err != nil {
		return false, err
	}
	bs, err := fs.BootStamps()
	if err != nil {
		return false, err
	}
	return len(ps) > 0 && len(bs) > 0, nil
}
