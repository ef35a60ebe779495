package bootfs

import (
	"io"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"

	"github.com/poolboot/poolboot/internal/errkind"
)

// Install copies a verified image tree into fresh platform-<stamp> (and,
// when the source carried loader bits, boot-<stamp>) directories. Stamp
// directories are write-once: Install refuses to touch existing ones, the
// caller must remove first.
func Install(fs FS, tree *ImageTree) error {
	stamp := tree.Stamp
	if !ValidStamp(stamp) {
		return errkind.User("malformed stamp %q", stamp)
	}

	platDir := fs.PlatformDir(stamp)
	bootDir := fs.BootDir(stamp)
	if _, err := os.Lstat(platDir); err == nil {
		return errkind.User("platform-%s already installed, remove it first", stamp)
	}
	if _, err := os.Lstat(bootDir); err == nil {
		return errkind.User("boot-%s already installed, remove it first", stamp)
	}

	if err := CopyTree(tree.PlatformDir, platDir); err != nil {
		return errkind.FatalWrap(err, "copy platform payload")
	}
	if err := writeVersionRecord(platDir, stamp); err != nil {
		return errkind.FatalWrap(err, "write platform version record")
	}

	if tree.HasLoader() {
		if err := CopyTree(tree.BootDir, bootDir); err != nil {
			return errkind.FatalWrap(err, "copy loader bits")
		}
		if err := linkCustomOverrides(fs, bootDir); err != nil {
			return errkind.FatalWrap(err, "link loader overrides")
		}
	}

	// Post-condition check. A violation here means a destructive step has
	// already run and left state behind; it is reported, never auto-repaired.
	if _, err := os.Stat(platDir); err != nil {
		return errkind.Fatal("platform-%s missing after install", stamp)
	}
	if tree.HasLoader() {
		if _, err := os.Stat(bootDir); err != nil {
			return errkind.Fatal("boot-%s missing after install", stamp)
		}
	}
	return nil
}

// Remove deletes both stamp directories for a stamp (the boot directory
// only if present) and regenerates the menu. A stamp referenced by either
// active pointer cannot be removed.
func Remove(fs FS, stamp string, regen func(FS) error) error {
	if !ValidStamp(stamp) {
		return errkind.User("malformed stamp %q", stamp)
	}

	activePlat, err := fs.ActivePlatform()
	if err != nil {
		return err
	}
	if stamp == activePlat {
		return errkind.User("%s is the active platform image", stamp)
	}
	activeBoot, err := fs.ActiveBoot()
	if err != nil {
		return err
	}
	if stamp == activeBoot {
		return errkind.User("%s is the active boot image", stamp)
	}

	platDir := fs.PlatformDir(stamp)
	if _, err := os.Lstat(platDir); err != nil {
		return errkind.User("platform-%s is not installed on %s", stamp, fs.Mount)
	}

	if err := os.RemoveAll(platDir); err != nil {
		return errkind.FatalWrap(err, "remove platform tree")
	}
	bootDir := fs.BootDir(stamp)
	if _, err := os.Lstat(bootDir); err == nil {
		if err := os.RemoveAll(bootDir); err != nil {
			return errkind.FatalWrap(err, "remove boot tree")
		}
	}

	return regen(fs)
}

func writeVersionRecord(platDir, stamp string) error {
	path := filepath.Join(platDir, VersionRecord)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(stamp+"\n"), 0o644)
}

// linkCustomOverrides wires operator-provided loader configuration from
// custom/ into a freshly created boot directory as symlinks, so an edit in
// custom/ applies to every installed boot image that references it.
func linkCustomOverrides(fs FS, bootDir string) error {
	entries, err := os.ReadDir(fs.Path(CustomDir))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, e := range entries {
		link := filepath.Join(bootDir, e.Name())
		os.Remove(link)
		if err := os.Symlink(filepath.Join("..", CustomDir, e.Name()), link); err != nil {
			return err
		}
	}
	return nil
}

// CopyTree recursively copies src into dst, preserving modes and symlinks.
// dst must not exist.
func CopyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		info, err := d.Info()
		if err != nil {
			return err
		}
		switch {
		case d.IsDir():
			return os.MkdirAll(target, info.Mode().Perm())
		case info.Mode()&os.ModeSymlink != 0:
			dest, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(dest, target)
		default:
			return copyFile(path, target, info.Mode().Perm())
		}
	})
}

func copyFile(src, dst string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return errors.Wrapf(err, "copy %s", src)
	}
	return out.Close()
}
