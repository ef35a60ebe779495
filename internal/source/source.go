// Package source resolves a user-supplied image specification (stamp,
// "latest", removable media, local file, URL, or OCI reference) into a
// checksum-verified local image tree staged for installation.
//
// All fetched content lands in a uniquely named staging area first;
// nothing is written into the permanent layout until verification
// succeeds. Closing the Resolved releases the staging area on every coded
// exit path of the owning operation.
package source

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/poolboot/poolboot/internal/bootfs"
	"github.com/poolboot/poolboot/internal/config"
	"github.com/poolboot/poolboot/internal/errkind"
)

// Kind is the enumerated source form. URL resolution is a bounded loop
// of at most one hop from URL to local artifact, never structural recursion.
type Kind int

const (
	KindStamp Kind = iota
	KindLatest
	KindMedia
	KindLocalFile
	KindURL
	KindOCI
)

func (k Kind) String() string {
	switch k {
	case KindStamp:
		return "stamp"
	case KindLatest:
		return "latest"
	case KindMedia:
		return "media"
	case KindLocalFile:
		return "file"
	case KindURL:
		return "url"
	case KindOCI:
		return "oci"
	default:
		return "unknown"
	}
}

// LatestToken asks for the most recent published image.
const LatestToken = "latest"

// MediaToken asks for a scan of removable install media.
const MediaToken = "media"

// OCIPrefix marks a container registry reference.
const OCIPrefix = "oci://"

// Env carries the collaborators resolution needs.
type Env struct {
	Config config.Config
	Media  Locator
	Log    zerolog.Logger
}

// Resolved is a verified image tree in a disposable staging area.
type Resolved struct {
	Tree    *bootfs.ImageTree
	staging string
}

// Close removes the staging area. Safe to call after a successful install;
// the permanent layout holds its own copy.
func (r *Resolved) Close() error {
	if r.staging == "" {
		return nil
	}
	err := os.RemoveAll(r.staging)
	r.staging = ""
	return err
}

// Classify maps a specification string to its source kind.
func Classify(spec string) Kind {
	switch {
	case spec == LatestToken:
		return KindLatest
	case spec == MediaToken:
		return KindMedia
	case strings.HasPrefix(spec, OCIPrefix):
		return KindOCI
	case strings.HasPrefix(spec, "http://"), strings.HasPrefix(spec, "https://"):
		return KindURL
	default:
		if _, err := os.Stat(spec); err == nil {
			return KindLocalFile
		}
		return KindStamp
	}
}

// Resolve turns spec into a verified local image tree. fs is consulted
// only to refuse re-installing an already-installed explicit stamp.
func Resolve(ctx context.Context, env Env, fs bootfs.FS, spec string) (res *Resolved, err error) {
	staging, err := newStaging()
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			os.RemoveAll(staging)
		}
	}()

	var tree *bootfs.ImageTree
	switch Classify(spec) {
	case KindLatest:
		stamp, lerr := LatestStamp(ctx, env)
		if lerr != nil {
			return nil, lerr
		}
		tree, err = resolveStamp(ctx, env, fs, stamp, staging)
	case KindStamp:
		tree, err = resolveStamp(ctx, env, fs, spec, staging)
	case KindMedia:
		tree, err = resolveMedia(env, staging)
	case KindLocalFile:
		tree, err = resolveLocalFile(ctx, env, spec, staging)
	case KindURL:
		tree, err = resolveURL(ctx, env, fs, spec, staging)
	case KindOCI:
		tree, err = resolveOCI(ctx, env, strings.TrimPrefix(spec, OCIPrefix), staging)
	}
	if err != nil {
		return nil, err
	}
	return &Resolved{Tree: tree, staging: staging}, nil
}

// resolveStamp downloads the conventional platform archive for an explicit
// stamp. An already-installed stamp is refused up front.
func resolveStamp(ctx context.Context, env Env, fs bootfs.FS, stamp, staging string) (*bootfs.ImageTree, error) {
	if !bootfs.ValidStamp(stamp) {
		return nil, errkind.User("unrecognized image source %q", stamp)
	}
	if fs.Mount != "" {
		if _, err := os.Lstat(fs.PlatformDir(stamp)); err == nil {
			return nil, errkind.User("platform-%s already installed, remove it first", stamp)
		}
	}

	name := "platform-" + stamp + ".tgz"
	url := strings.TrimSuffix(env.Config.SourceURL, "/") + "/" + stamp + "/" + name
	artifact := filepath.Join(staging, name)
	if err := downloadToFile(ctx, url, artifact); err != nil {
		return nil, errkind.OperationWrap(err, "download image")
	}
	if err := verifyDigest(ctx, env, artifact); err != nil {
		return nil, err
	}
	return extractArtifact(artifact, staging)
}

// resolveURL probes the URL first. On success the artifact is downloaded
// and re-resolved exactly once; a URL must not resolve to another URL. On
// probe failure the string falls back to a literal stamp.
func resolveURL(ctx context.Context, env Env, fs bootfs.FS, rawURL, staging string) (*bootfs.ImageTree, error) {
	if !probe(ctx, rawURL) {
		env.Log.Debug().Str("url", rawURL).Msg("probe failed, treating as literal stamp")
		return resolveStamp(ctx, env, fs, urlBase(rawURL), staging)
	}

	name := urlBase(rawURL)
	if name == "" {
		name = "artifact"
	}
	artifact := filepath.Join(staging, name)
	if err := downloadToFile(ctx, rawURL, artifact); err != nil {
		return nil, errkind.OperationWrap(err, "download image")
	}
	if err := verifyDigest(ctx, env, artifact); err != nil {
		return nil, err
	}
	// Single hop: the downloaded artifact must be a local image container.
	return extractArtifact(artifact, staging)
}

// resolveLocalFile verifies a local artifact against the published
// checksum manifest, keyed by its file name like any download, before
// extraction.
func resolveLocalFile(ctx context.Context, env Env, path, staging string) (*bootfs.ImageTree, error) {
	if err := verifyDigest(ctx, env, path); err != nil {
		return nil, err
	}
	return extractArtifact(path, staging)
}

// newStaging creates a uniquely named disposable staging directory.
func newStaging() (string, error) {
	dir := filepath.Join(os.TempDir(), "poolboot-"+uuid.NewString())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errkind.OperationWrap(err, "create staging area")
	}
	return dir, nil
}

// urlBase is the final path element of a URL.
func urlBase(rawURL string) string {
	s := strings.TrimSuffix(rawURL, "/")
	if i := strings.LastIndexByte(s, '/'); i >= 0 {
		return s[i+1:]
	}
	return s
}
