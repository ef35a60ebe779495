// Package enable makes a storage pool bootable. It ensures the pool has a
// designated boot filesystem, then branches by deployment role: a
// standalone machine installs and activates an image, a fleet compute node
// sets up a network-boot-first loader chain with one local backup image,
// and a fleet head node clones the fleet's boot key onto the pool.
package enable

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
	"golang.org/x/text/cases"

	"github.com/poolboot/poolboot/internal/bootfs"
	"github.com/poolboot/poolboot/internal/config"
	"github.com/poolboot/poolboot/internal/errkind"
	"github.com/poolboot/poolboot/internal/fleet"
	"github.com/poolboot/poolboot/internal/source"
	"github.com/poolboot/poolboot/internal/zpool"
)

// Role is the deployment role selected once at startup and passed in
// explicitly; nothing re-checks ambient role flags mid-run.
type Role int

const (
	RoleStandalone Role = iota
	RoleComputeNode
	RoleHeadNode
)

func (r Role) String() string {
	switch r {
	case RoleStandalone:
		return "standalone"
	case RoleComputeNode:
		return "compute"
	case RoleHeadNode:
		return "head"
	default:
		return "unknown"
	}
}

// ParseRole maps a CLI role name. The empty string means standalone.
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(s) {
	case "", "standalone":
		return RoleStandalone, nil
	case "compute", "computenode", "compute-node":
		return RoleComputeNode, nil
	case "head", "headnode", "head-node":
		return RoleHeadNode, nil
	default:
		return 0, errkind.User("unknown deployment role %q", s)
	}
}

// Env carries the collaborators enablement drives. Program and Regen are
// injected so the orchestrator stays testable without real devices.
type Env struct {
	Runner  zpool.Runner
	Config  config.Config
	Fleet   *fleet.Client
	Media   source.Locator
	KeyDir  string // mountpoint of the fleet boot key (head-node clone source)
	LinkUp  func() (bool, error)
	Confirm func(prompt string) bool
	Program func(bootfs.FS) error
	Regen   func(bootfs.FS) error
	Log     zerolog.Logger
}

// netbootDir is the placeholder platform tree a compute node stages; the
// loader chains to network boot and needs no local kernel for the default
// path.
const netbootDir = "platform-netboot"

// Enable makes pool bootable in the given role, installing from spec where
// the role calls for an image. A filesystem that already holds both a
// platform tree and a boot tree is left untouched (prerequisite problems
// are still reported as warnings).
func Enable(ctx context.Context, env Env, pool, spec string, role Role) error {
	warnPrereqs(env, role)

	fs, err := ensureBootFS(env, pool)
	if err != nil {
		return err
	}

	populated, err := fs.Populated()
	if err != nil {
		return err
	}
	if populated {
		env.Log.Info().Str("pool", pool).Msg("pool is already enabled, nothing to do")
		return nil
	}

	switch role {
	case RoleStandalone:
		return enableStandalone(ctx, env, fs, spec)
	case RoleComputeNode:
		return enableComputeNode(ctx, env, fs)
	case RoleHeadNode:
		return enableHeadNode(env, fs, pool)
	default:
		return errkind.User("unknown deployment role")
	}
}

// warnPrereqs reports role prerequisite problems before anything
// destructive runs. All of these are warnings; hard failures surface later
// from the step that actually needs the prerequisite.
func warnPrereqs(env Env, role Role) {
	switch role {
	case RoleComputeNode:
		if env.LinkUp == nil {
			return
		}
		up, err := env.LinkUp()
		switch {
		case err != nil:
			env.Log.Warn().Err(err).Msg("cannot probe link state, network boot may not work")
		case !up:
			env.Log.Warn().Msg("no physical link is up, network boot may not work")
		}
	case RoleHeadNode:
		if !keyUsable(env.KeyDir) {
			env.Log.Warn().Str("key", env.KeyDir).
				Msg("fleet boot key is not mounted or not a boot key")
		}
	}
}

// ensureBootFS returns pool's designated boot filesystem, creating the
// dataset and setting the designation when absent.
func ensureBootFS(env Env, pool string) (bootfs.FS, error) {
	list, err := zpool.ListBootable(env.Runner)
	if err != nil {
		return bootfs.FS{}, err
	}
	for _, b := range list {
		if b.Pool == pool {
			return bootfs.FS{Pool: b.Pool, Mount: b.Mountpoint}, nil
		}
	}
	b, err := zpool.CreateBootDataset(env.Runner, pool)
	if err != nil {
		return bootfs.FS{}, errkind.FatalWrap(err, "create boot dataset")
	}
	env.Log.Info().Str("dataset", b.Dataset).Msg("created boot dataset")
	return bootfs.FS{Pool: b.Pool, Mount: b.Mountpoint}, nil
}

func enableStandalone(ctx context.Context, env Env, fs bootfs.FS, spec string) error {
	if spec == "" {
		spec = source.LatestToken
	}
	res, err := source.Resolve(ctx, source.Env{Config: env.Config, Media: env.Media, Log: env.Log}, fs, spec)
	if err != nil {
		return err
	}
	defer res.Close()

	if err := bootfs.Install(fs, res.Tree); err != nil {
		return err
	}
	return bootfs.Activate(fs, res.Tree.Stamp, bootfs.ActivateDeps{
		Regen:          env.Regen,
		ProgramSectors: env.Program,
		Log:            env.Log,
	})
}

// enableComputeNode wipes the filesystem, stages the netboot placeholder,
// installs one real backup image through the fleet artifact contract, and
// writes a loader chain that tries network boot first with the backup
// image as fallback.
func enableComputeNode(ctx context.Context, env Env, fs bootfs.FS) error {
	if env.Fleet == nil {
		return errkind.User("compute-node enablement needs a fleet service URL")
	}
	if !confirm(env, "Wipe "+fs.Mount+" and enable "+fs.Pool+" as a compute node?") {
		return errkind.User("enablement aborted")
	}
	if err := wipe(fs); err != nil {
		return errkind.FatalWrap(err, "wipe boot filesystem")
	}

	marker := fs.Path(netbootDir)
	if err := os.MkdirAll(marker, 0o755); err != nil {
		return errkind.FatalWrap(err, "stage netboot placeholder")
	}
	note := "This node boots from the network. The local platform tree is a fallback only.\n"
	if err := os.WriteFile(filepath.Join(marker, "README"), []byte(note), 0o644); err != nil {
		return errkind.FatalWrap(err, "stage netboot placeholder")
	}

	stamp, err := backupStamp(ctx, env)
	if err != nil {
		return err
	}
	if err := installFromFleet(ctx, env, fs, stamp); err != nil {
		return err
	}

	if err := fs.SetPointer(bootfs.PlatformLink, bootfs.PlatformPrefix, stamp); err != nil {
		return errkind.FatalWrap(err, "repoint platform")
	}
	if err := fs.SetPointer(bootfs.BootLink, bootfs.BootPrefix, stamp); err != nil {
		return errkind.FatalWrap(err, "repoint boot")
	}
	if err := fs.WriteBootRecord(stamp); err != nil {
		return errkind.FatalWrap(err, "record boot version")
	}
	if err := writeNetbootChain(fs, stamp); err != nil {
		return errkind.FatalWrap(err, "write loader chain")
	}
	if err := env.Program(fs); err != nil {
		return errkind.FatalWrap(err, "program boot sectors")
	}
	return env.Regen(fs)
}

// backupStamp prefers the fleet's currently-reported default image and
// falls back to the stamp this node is running.
func backupStamp(ctx context.Context, env Env) (string, error) {
	stamp, err := env.Fleet.DefaultImage(ctx)
	if err == nil && bootfs.ValidStamp(stamp) {
		return stamp, nil
	}
	if err != nil {
		env.Log.Warn().Err(err).Msg("fleet default image unavailable, falling back to running image")
	} else {
		env.Log.Warn().Str("stamp", stamp).Msg("fleet reported a malformed default image, falling back to running image")
	}
	running, rerr := zpool.RunningStamp(env.Runner)
	if rerr != nil {
		return "", errkind.OperationWrap(errors.Join(err, rerr), "determine backup image")
	}
	if !bootfs.ValidStamp(running) {
		return "", errkind.Operation("running platform version %q is not a usable stamp", running)
	}
	return running, nil
}

// installFromFleet is the narrow installer: it pulls individual artifacts
// using fleet-supplied paths rather than a full archive. Paths under
// platform/ land in platform-<stamp>, paths under boot/ in boot-<stamp>.
func installFromFleet(ctx context.Context, env Env, fs bootfs.FS, stamp string) error {
	rels, err := env.Fleet.Artifacts(ctx, stamp)
	if err != nil {
		return err
	}

	// Stage on the same filesystem so the final moves are renames.
	staging := fs.Path(".fleet-install")
	os.RemoveAll(staging)
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return errors.Wrap(err, "create fleet staging dir")
	}
	defer os.RemoveAll(staging)

	for _, rel := range rels {
		top, _, ok := strings.Cut(rel, "/")
		if !ok || (top != "platform" && top != "boot") {
			env.Log.Debug().Str("artifact", rel).Msg("ignoring artifact outside the image trees")
			continue
		}
		if err := env.Fleet.FetchArtifact(ctx, stamp, rel, staging); err != nil {
			return err
		}
	}

	plat := filepath.Join(staging, "platform")
	if _, err := os.Stat(plat); err != nil {
		return errkind.Operation("fleet artifact set for %s carries no platform payload", stamp)
	}

	// The artifact set may not include the version record; the install
	// invariant requires it.
	record := filepath.Join(plat, bootfs.VersionRecord)
	if _, err := os.Stat(record); err != nil {
		if err := os.MkdirAll(filepath.Dir(record), 0o755); err != nil {
			return errkind.FatalWrap(err, "write version record")
		}
		if err := os.WriteFile(record, []byte(stamp+"\n"), 0o644); err != nil {
			return errkind.FatalWrap(err, "write version record")
		}
	}

	if err := os.Rename(plat, fs.PlatformDir(stamp)); err != nil {
		return errkind.FatalWrap(err, "place platform tree")
	}
	if bt := filepath.Join(staging, "boot"); dirExists(bt) {
		if err := os.Rename(bt, fs.BootDir(stamp)); err != nil {
			return errkind.FatalWrap(err, "place boot tree")
		}
	} else if err := os.MkdirAll(fs.BootDir(stamp), 0o755); err != nil {
		return errkind.FatalWrap(err, "place boot tree")
	}
	return nil
}

func dirExists(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.IsDir()
}

// writeNetbootChain writes the loader configuration for the
// network-boot-first chain with the backup image's paths as fallback.
func writeNetbootChain(fs bootfs.FS, stamp string) error {
	conf := filepath.Join(fs.BootDir(stamp), "loader.conf")
	var sb strings.Builder
	sb.WriteString("netboot_enable=\"YES\"\n")
	sb.WriteString("boot_chain=\"net,local\"\n")
	sb.WriteString("fallback_kernel=\"/" + bootfs.PlatformPrefix + stamp + "/i86pc/kernel\"\n")
	sb.WriteString("fallback_archive=\"/" + bootfs.PlatformPrefix + stamp + "/i86pc/boot_archive\"\n")
	if err := os.MkdirAll(filepath.Dir(conf), 0o755); err != nil {
		return err
	}
	return os.WriteFile(conf, []byte(sb.String()), 0o644)
}

// enableHeadNode wipes the filesystem and clones the fleet boot key onto
// it, making the pool a drop-in replacement for the physical key.
func enableHeadNode(env Env, fs bootfs.FS, pool string) error {
	if !keyUsable(env.KeyDir) {
		return errkind.User("fleet boot key not found at %s", env.KeyDir)
	}
	if !confirm(env, "Wipe "+fs.Mount+" and clone the boot key onto "+pool+"?") {
		return errkind.User("enablement aborted")
	}
	if err := wipe(fs); err != nil {
		return errkind.FatalWrap(err, "wipe boot filesystem")
	}

	if err := bootfs.CopyTree(env.KeyDir, fs.Mount); err != nil {
		return errkind.FatalWrap(err, "clone boot key")
	}
	if err := normalizeMenuCase(fs); err != nil {
		return errkind.FatalWrap(err, "normalize menu tree")
	}
	if err := recordBootSource(fs, pool); err != nil {
		return errkind.FatalWrap(err, "record boot source")
	}
	if err := env.Program(fs); err != nil {
		return errkind.FatalWrap(err, "program boot sectors")
	}
	return nil
}

// keyUsable reports whether dir looks like a mounted boot key.
func keyUsable(dir string) bool {
	if dir == "" {
		return false
	}
	if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
		return false
	}
	// A key always carries loader bits, either versioned or bare.
	if _, err := os.Stat(filepath.Join(dir, "boot")); err == nil {
		return true
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false
	}
	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), bootfs.BootPrefix) {
			return true
		}
	}
	return false
}

// normalizeMenuCase folds menu-tree entry names cloned from the key to a
// canonical case. Keys written by older tooling mix cases in ways the
// loader's case-sensitive lookup then misses.
func normalizeMenuCase(fs bootfs.FS) error {
	menu := fs.Path(bootfs.MenuDir)
	entries, err := os.ReadDir(menu)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "read %s", menu)
	}

	folder := cases.Fold()
	for _, e := range entries {
		// Stamp directories are already canonical; folding would break
		// them.
		if bootfs.ValidStamp(e.Name()) {
			continue
		}
		folded := folder.String(e.Name())
		if folded == e.Name() {
			continue
		}
		from := filepath.Join(menu, e.Name())
		to := filepath.Join(menu, folded)
		if _, err := os.Lstat(to); err == nil {
			// A correctly-cased twin already exists; drop the stray.
			if err := os.RemoveAll(from); err != nil {
				return errors.Wrapf(err, "remove %s", from)
			}
			continue
		}
		if err := os.Rename(from, to); err != nil {
			return errors.Wrapf(err, "rename %s", from)
		}
	}
	return nil
}

// recordBootSource rewrites the cloned loader configuration so this pool
// is recorded as the active boot source, removing any prior record.
func recordBootSource(fs bootfs.FS, pool string) error {
	conf, err := loaderConfPath(fs)
	if err != nil {
		return err
	}

	var lines []string
	if data, err := os.ReadFile(conf); err == nil {
		for _, line := range strings.Split(string(data), "\n") {
			if strings.HasPrefix(strings.TrimSpace(line), "bootpool=") {
				continue
			}
			lines = append(lines, line)
		}
		for len(lines) > 0 && lines[len(lines)-1] == "" {
			lines = lines[:len(lines)-1]
		}
	}
	lines = append(lines, "bootpool=\""+pool+"\"", "")
	if err := os.MkdirAll(filepath.Dir(conf), 0o755); err != nil {
		return err
	}
	return os.WriteFile(conf, []byte(strings.Join(lines, "\n")), 0o644)
}

// loaderConfPath finds the loader configuration of the cloned key: the
// active boot image's when the clone carries the standard layout, the bare
// boot/ directory's otherwise.
func loaderConfPath(fs bootfs.FS) (string, error) {
	stamp, err := fs.ActiveBoot()
	if err == nil && stamp != "" {
		return filepath.Join(fs.BootDir(stamp), "loader.conf"), nil
	}
	bare := fs.Path("boot", "loader.conf")
	if _, serr := os.Stat(filepath.Dir(bare)); serr == nil {
		return bare, nil
	}
	if err != nil {
		return "", err
	}
	return "", errkind.Operation("cloned key carries no loader configuration")
}

// wipe removes everything under the filesystem mountpoint, leaving the
// mountpoint itself in place.
func wipe(fs bootfs.FS) error {
	entries, err := os.ReadDir(fs.Mount)
	if err != nil {
		return errors.Wrapf(err, "read %s", fs.Mount)
	}
	for _, e := range entries {
		if err := os.RemoveAll(fs.Path(e.Name())); err != nil {
			return errors.Wrapf(err, "remove %s", e.Name())
		}
	}
	return nil
}

func confirm(env Env, prompt string) bool {
	if env.Confirm == nil {
		return true
	}
	return env.Confirm(prompt)
}
