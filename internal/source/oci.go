package source

import (
	"context"
	"crypto/tls"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/go-containerregistry/pkg/crane"

	"github.com/poolboot/poolboot/internal/bootfs"
	"github.com/poolboot/poolboot/internal/errkind"
)

// pullTimeout bounds a registry image pull.
const pullTimeout = 30 * time.Minute

// registryTransport clones the default transport so connection pooling
// and proxy settings survive, then pins the TLS floor.
func registryTransport() http.RoundTripper {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	return transport
}

// resolveOCI pulls a registry image whose layers carry a platform tree and
// extracts it into staging. Checksum verification does not apply here; the
// registry digest already authenticates the content.
func resolveOCI(ctx context.Context, env Env, ref, staging string) (*bootfs.ImageTree, error) {
	ctx, cancel := context.WithTimeout(ctx, pullTimeout)
	defer cancel()

	env.Log.Info().Str("ref", ref).Msg("pulling registry image")
	img, err := crane.Pull(ref, crane.WithTransport(registryTransport()), crane.WithContext(ctx))
	if err != nil {
		return nil, errkind.OperationWrap(errors.Wrapf(err, "pull image %s", ref), "fetch image")
	}

	layers, err := img.Layers()
	if err != nil {
		return nil, errkind.OperationWrap(err, "read image layers")
	}

	dest := filepath.Join(staging, "extract")
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return nil, errors.Wrap(err, "create extract dir")
	}
	for _, layer := range layers {
		reader, err := layer.Uncompressed()
		if err != nil {
			return nil, errkind.OperationWrap(err, "uncompress image layer")
		}
		uerr := untar(reader, dest)
		reader.Close()
		if uerr != nil {
			return nil, errkind.OperationWrap(uerr, "extract image layer")
		}
	}

	stamp, platDir, err := findPlatformTree(dest)
	if err != nil {
		return nil, err
	}
	tree := &bootfs.ImageTree{Stamp: stamp, PlatformDir: platDir}
	bootDir := filepath.Join(dest, bootfs.BootPrefix+stamp)
	if fi, serr := os.Stat(bootDir); serr == nil && fi.IsDir() {
		tree.BootDir = bootDir
	}
	return tree, nil
}
