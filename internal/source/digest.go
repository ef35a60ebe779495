package source

import (
	"context"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"hash"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/poolboot/poolboot/internal/errkind"
)

// newDigest maps an algorithm name to a hash constructor.
func newDigest(algo string) (hash.Hash, error) {
	switch strings.ToLower(algo) {
	case "sha256":
		return sha256.New(), nil
	case "sha1":
		return sha1.New(), nil
	case "sha512":
		return sha512.New(), nil
	case "md5":
		return md5.New(), nil
	default:
		return nil, errkind.User("unsupported digest algorithm %q", algo)
	}
}

// verifyDigest checks a downloaded artifact against the published checksum
// manifest. The manifest lives next to the artifact by convention
// (checksums.<algo> at the publication root) unless an explicit manifest
// URL is configured. Verification is skipped only when configured so, and
// the skip is logged loudly.
func verifyDigest(ctx context.Context, env Env, artifact string) error {
	if env.Config.SkipChecksum {
		env.Log.Warn().Str("artifact", filepath.Base(artifact)).
			Msg("checksum verification disabled, installing unverified image")
		return nil
	}

	manifestURL := env.Config.ChecksumURL
	if manifestURL == "" {
		manifestURL = strings.TrimSuffix(env.Config.SourceURL, "/") +
			"/checksums." + strings.ToLower(env.Config.DigestAlgo)
	}

	body, err := fetchBody(ctx, manifestURL)
	if err != nil {
		return errkind.OperationWrap(err, "fetch checksum manifest")
	}

	want, err := manifestDigest(body, filepath.Base(artifact))
	if err != nil {
		return err
	}

	got, err := fileDigest(env.Config.DigestAlgo, artifact)
	if err != nil {
		return err
	}
	if !strings.EqualFold(got, want) {
		return errkind.Operation("checksum mismatch for %s: manifest %s, computed %s",
			filepath.Base(artifact), want, got)
	}
	env.Log.Debug().Str("artifact", filepath.Base(artifact)).
		Str("algorithm", env.Config.DigestAlgo).Msg("checksum verified")
	return nil
}

// manifestDigest finds the digest line for name in a "<hex>  <file>"
// style manifest.
func manifestDigest(manifest, name string) (string, error) {
	for _, line := range strings.Split(manifest, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		// Some manifests prefix filenames with "*" for binary mode.
		entry := strings.TrimPrefix(fields[len(fields)-1], "*")
		if filepath.Base(entry) == name {
			return fields[0], nil
		}
	}
	return "", errkind.Operation("checksum manifest has no entry for %s", name)
}

// fileDigest computes the named digest of a file.
func fileDigest(algo, path string) (string, error) {
	h, err := newDigest(algo)
	if err != nil {
		return "", err
	}
	f, err := os.Open(path)
	if err != nil {
		return "", errors.Wrapf(err, "open %s", path)
	}
	defer f.Close()
	if _, err := io.Copy(h, f); err != nil {
		return "", errors.Wrapf(err, "digest %s", path)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
