package bootfs

import (
	"os"

	"github.com/rs/zerolog"

	"github.com/poolboot/poolboot/internal/errkind"
)

// ActivateDeps are the collaborators the activation engine drives: menu
// regeneration and boot-sector programming on the owning pool.
type ActivateDeps struct {
	Regen          func(FS) error
	ProgramSectors func(FS) error
	Log            zerolog.Logger
}

// Activate switches the default platform (and, when a matching boot image
// exists, the default boot image) to stamp.
//
// Boot sectors are reprogrammed before the platform pointer swap so that a
// programming failure leaves the filesystem reachable under the previous
// platform. A failure at exactly that point leaves the boot pointer
// advanced while the platform pointer is not, a known residual risk of
// this ordering.
func Activate(fs FS, stamp string, deps ActivateDeps) error {
	if !ValidStamp(stamp) {
		return errkind.User("malformed stamp %q", stamp)
	}

	active, err := fs.ActivePlatform()
	if err != nil {
		return err
	}
	if active == stamp {
		// Already the default. No layout change, but menu regeneration is
		// always safe and keeps the operation idempotent.
		deps.Log.Debug().Str("stamp", stamp).Msg("already active, regenerating menu only")
		return deps.Regen(fs)
	}

	if _, err := os.Stat(fs.PlatformDir(stamp)); err != nil {
		return errkind.User("platform-%s is not installed on %s", stamp, fs.Mount)
	}

	if _, err := os.Stat(fs.BootDir(stamp)); err == nil {
		if err := fs.SetPointer(BootLink, BootPrefix, stamp); err != nil {
			return errkind.FatalWrap(err, "repoint boot")
		}
		if err := fs.WriteBootRecord(stamp); err != nil {
			return errkind.FatalWrap(err, "record boot version")
		}
		if err := deps.ProgramSectors(fs); err != nil {
			return errkind.FatalWrap(err, "program boot sectors")
		}
	} else {
		// Not every platform image ships matching loader bits; keep the
		// current boot image. A bootable filesystem with zero loader bits
		// cannot boot at all.
		bootStamps, err := fs.BootStamps()
		if err != nil {
			return err
		}
		if len(bootStamps) == 0 {
			return errkind.Fatal("no boot image on %s, cannot activate %s", fs.Mount, stamp)
		}
		deps.Log.Debug().Str("stamp", stamp).Msg("no matching boot image, keeping current")
	}

	if err := fs.SetPointer(PlatformLink, PlatformPrefix, stamp); err != nil {
		return errkind.FatalWrap(err, "repoint platform")
	}

	return deps.Regen(fs)
}
