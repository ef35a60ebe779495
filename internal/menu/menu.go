// Package menu regenerates the loader menu tree: a disposable os/
// directory of per-image symlinks plus the paginated menu configuration
// the loader reads to offer recent non-default platform images. The tree
// is derived purely from current on-disk inventory, so regenerating it is
// always safe and idempotent.
package menu

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/poolboot/poolboot/internal/bootfs"
)

const (
	// MaxEntries caps how many non-default images the menu exposes.
	MaxEntries = 15
	// PerPage is the loader's flat numbered-menu page size.
	PerPage = 5
	// ConfigName is the generated menu configuration inside the menu dir.
	ConfigName = "menu.rc"
)

// Regenerate deletes and rebuilds the menu tree from scratch.
func Regenerate(fs bootfs.FS) error {
	menuRoot := fs.Path(bootfs.MenuDir)
	if err := os.RemoveAll(menuRoot); err != nil {
		return errors.Wrap(err, "clear menu tree")
	}

	kept, err := keptStamps(fs)
	if err != nil {
		return err
	}
	if len(kept) == 0 {
		// Only the default image exists; no menu needed.
		return nil
	}

	if err := os.MkdirAll(menuRoot, 0o755); err != nil {
		return errors.Wrap(err, "create menu tree")
	}
	for _, stamp := range kept {
		dir := filepath.Join(menuRoot, stamp)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrapf(err, "create menu entry %s", stamp)
		}
		target := filepath.Join("..", "..", bootfs.PlatformPrefix+stamp)
		if err := os.Symlink(target, filepath.Join(dir, "platform")); err != nil {
			return errors.Wrapf(err, "link menu entry %s", stamp)
		}
	}

	cfg := renderConfig(kept)
	if err := os.WriteFile(filepath.Join(menuRoot, ConfigName), []byte(cfg), 0o644); err != nil {
		return errors.Wrap(err, "write menu config")
	}
	return nil
}

// keptStamps returns the installed platform stamps excluding the current
// default, newest first, capped at MaxEntries.
func keptStamps(fs bootfs.FS) ([]string, error) {
	stamps, err := fs.PlatformStamps()
	if err != nil {
		return nil, err
	}
	active, err := fs.ActivePlatform()
	if err != nil {
		return nil, err
	}

	kept := make([]string, 0, len(stamps))
	for _, s := range stamps {
		if s != active {
			kept = append(kept, s)
		}
	}
	// Stamps are lexicographically sortable timestamps.
	sort.Sort(sort.Reverse(sort.StringSlice(kept)))
	if len(kept) > MaxEntries {
		kept = kept[:MaxEntries]
	}
	return kept, nil
}

// Pages partitions kept stamps into loader pages.
func Pages(kept []string) [][]string {
	var pages [][]string
	for len(kept) > 0 {
		n := PerPage
		if len(kept) < n {
			n = len(kept)
		}
		pages = append(pages, kept[:n])
		kept = kept[n:]
	}
	return pages
}

// renderConfig emits the flat numbered-menu configuration. Each page
// carries a return-to-main option, a next-page option (wrapping to page 1
// after the last page), a boot-the-default option, and one option per
// image that sets the boot-target variable and points the loader at that
// image's kernel and boot archive before redrawing.
func renderConfig(kept []string) string {
	pages := Pages(kept)
	var sb strings.Builder

	sb.WriteString("\\ Platform image menu. Generated; do not edit.\n")
	for i, page := range pages {
		pageNo := i + 1
		nextPage := pageNo + 1
		if nextPage > len(pages) {
			nextPage = 1
		}

		fmt.Fprintf(&sb, "\n\\ page %d of %d\n", pageNo, len(pages))
		fmt.Fprintf(&sb, "set pimenu_title[%d]=\"Platform images (page %d of %d)\"\n",
			pageNo, pageNo, len(pages))
		fmt.Fprintf(&sb, "set pimenu_caption[%d,1]=\"Return to main menu\"\n", pageNo)
		fmt.Fprintf(&sb, "set pimenu_command[%d,1]=\"menu-return\"\n", pageNo)
		fmt.Fprintf(&sb, "set pimenu_caption[%d,2]=\"Next page\"\n", pageNo)
		fmt.Fprintf(&sb, "set pimenu_command[%d,2]=\"set pimenu_page=%d menu-redraw\"\n",
			pageNo, nextPage)
		fmt.Fprintf(&sb, "set pimenu_caption[%d,3]=\"Boot the default image\"\n", pageNo)
		fmt.Fprintf(&sb, "set pimenu_command[%d,3]=\"unset boot-pi boot\"\n", pageNo)

		for j, stamp := range page {
			slot := j + 4
			base := "/" + bootfs.MenuDir + "/" + stamp + "/platform"
			fmt.Fprintf(&sb, "set pimenu_caption[%d,%d]=\"%s\"\n", pageNo, slot, stamp)
			fmt.Fprintf(&sb,
				"set pimenu_command[%d,%d]=\"set boot-pi=%s set kernelname=%s/i86pc/kernel set archive=%s/i86pc/boot_archive menu-redraw\"\n",
				pageNo, slot, stamp, base, base)
		}
	}
	return sb.String()
}
