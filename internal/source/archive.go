package source

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"

	"github.com/poolboot/poolboot/internal/bootfs"
	"github.com/poolboot/poolboot/internal/errkind"
)

// Format is the sniffed content type of a local artifact. Sniffing reads
// magic bytes, never file extensions.
type Format int

const (
	FormatUnknown Format = iota
	FormatISO
	FormatGzip
	FormatXZ
	FormatZstd
)

var (
	magicGzip = []byte{0x1f, 0x8b}
	magicXZ   = []byte{0xfd, '7', 'z', 'X', 'Z', 0x00}
	magicZstd = []byte{0x28, 0xb5, 0x2f, 0xfd}
)

// isoMagicOffset is where the ISO9660 volume descriptor identifier lives:
// sector 16 of 2048 bytes, one byte into the descriptor.
const isoMagicOffset = 16*2048 + 1

// Sniff determines the artifact format from its leading bytes.
func Sniff(path string) (Format, error) {
	f, err := os.Open(path)
	if err != nil {
		return FormatUnknown, errors.Wrapf(err, "open %s", path)
	}
	defer f.Close()

	head := make([]byte, 8)
	if _, err := io.ReadFull(f, head); err != nil {
		return FormatUnknown, nil // too short to be anything we accept
	}
	switch {
	case bytes.HasPrefix(head, magicGzip):
		return FormatGzip, nil
	case bytes.HasPrefix(head, magicXZ):
		return FormatXZ, nil
	case bytes.HasPrefix(head, magicZstd):
		return FormatZstd, nil
	}

	iso := make([]byte, 5)
	if _, err := f.ReadAt(iso, isoMagicOffset); err == nil && string(iso) == "CD001" {
		return FormatISO, nil
	}
	return FormatUnknown, nil
}

// extractArtifact sniffs and extracts a local artifact into the staging
// area, returning the staged image tree. Optical images carry loader
// bits; bare compressed archives do not.
func extractArtifact(path, staging string) (*bootfs.ImageTree, error) {
	format, err := Sniff(path)
	if err != nil {
		return nil, errkind.OperationWrap(err, "sniff artifact")
	}
	switch format {
	case FormatISO:
		return extractISO(path, staging)
	case FormatGzip, FormatXZ, FormatZstd:
		return extractArchive(path, format, staging)
	default:
		return nil, errkind.Operation("unrecognized image artifact %s", path)
	}
}

// extractArchive unpacks a compressed tar platform archive. The archive
// is expected to carry a single top-level platform-<stamp> directory.
func extractArchive(path string, format Format, staging string) (*bootfs.ImageTree, error) {
	reader, err := openDecompressed(path, format)
	if err != nil {
		return nil, errkind.OperationWrap(err, "open archive")
	}
	defer reader.Close()

	dest := filepath.Join(staging, "extract")
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return nil, errors.Wrap(err, "create extract dir")
	}
	if err := untar(reader, dest); err != nil {
		return nil, errkind.OperationWrap(err, "extract archive")
	}

	stamp, platDir, err := findPlatformTree(dest)
	if err != nil {
		return nil, err
	}
	tree := &bootfs.ImageTree{Stamp: stamp, PlatformDir: platDir}
	// Combined archives carry the loader bits alongside the platform tree.
	bootDir := filepath.Join(dest, bootfs.BootPrefix+stamp)
	if fi, err := os.Stat(bootDir); err == nil && fi.IsDir() {
		tree.BootDir = bootDir
	}
	return tree, nil
}

// findPlatformTree locates the extracted platform-<stamp> directory and
// cross-checks its version record against the directory name.
func findPlatformTree(dest string) (string, string, error) {
	entries, err := os.ReadDir(dest)
	if err != nil {
		return "", "", errors.Wrap(err, "read extract dir")
	}
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), bootfs.PlatformPrefix) {
			continue
		}
		stamp := strings.TrimPrefix(e.Name(), bootfs.PlatformPrefix)
		if !bootfs.ValidStamp(stamp) {
			continue
		}
		platDir := filepath.Join(dest, e.Name())
		data, err := os.ReadFile(filepath.Join(platDir, bootfs.VersionRecord))
		if err != nil {
			return "", "", errkind.Operation("archive carries no version record for %s", stamp)
		}
		if v := strings.TrimSpace(string(data)); v != stamp {
			return "", "", errkind.Operation("archive version record %q does not match stamp %s", v, stamp)
		}
		return stamp, platDir, nil
	}
	return "", "", errkind.Operation("archive carries no platform-<stamp> directory")
}

// openDecompressed returns a decompressing reader for the sniffed format.
func openDecompressed(path string, format Format) (io.ReadCloser, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	switch format {
	case FormatGzip:
		r, err := gzip.NewReader(file)
		if err != nil {
			file.Close()
			return nil, errors.Wrap(err, "gzip reader")
		}
		return &gzReadCloser{reader: r, file: file}, nil
	case FormatXZ:
		r, err := xz.NewReader(file)
		if err != nil {
			file.Close()
			return nil, errors.Wrap(err, "xz reader")
		}
		return &xzReadCloser{reader: r, file: file}, nil
	case FormatZstd:
		r, err := zstd.NewReader(file)
		if err != nil {
			file.Close()
			return nil, errors.Wrap(err, "zstd reader")
		}
		return &zstReadCloser{reader: r, file: file}, nil
	default:
		return file, nil
	}
}

// xzReadCloser wraps xz.Reader to close the underlying file.
type xzReadCloser struct {
	reader *xz.Reader
	file   *os.File
}

func (r *xzReadCloser) Read(p []byte) (int, error) { return r.reader.Read(p) }
func (r *xzReadCloser) Close() error               { return r.file.Close() }

// gzReadCloser wraps gzip.Reader to close the underlying file too.
type gzReadCloser struct {
	reader *gzip.Reader
	file   *os.File
}

func (r *gzReadCloser) Read(p []byte) (int, error) { return r.reader.Read(p) }
func (r *gzReadCloser) Close() error {
	r.reader.Close()
	return r.file.Close()
}

// zstReadCloser wraps zstd.Decoder to close the underlying file.
type zstReadCloser struct {
	reader *zstd.Decoder
	file   *os.File
}

func (r *zstReadCloser) Read(p []byte) (int, error) { return r.reader.Read(p) }
func (r *zstReadCloser) Close() error {
	r.reader.Close()
	return r.file.Close()
}

// untar unpacks a tar stream into destDir, refusing entries that would
// escape it.
func untar(r io.Reader, destDir string) error {
	cleanDest := filepath.Clean(destDir)
	tr := tar.NewReader(r)
	for {
		h, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "read tar")
		}

		target := filepath.Join(destDir, h.Name)
		cleanTarget := filepath.Clean(target)
		if !strings.HasPrefix(cleanTarget, cleanDest+string(os.PathSeparator)) && cleanTarget != cleanDest {
			continue // path traversal attempt
		}

		switch h.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(h.Mode).Perm()|0o700); err != nil {
				return errors.Wrap(err, "create directory")
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return errors.Wrap(err, "create directory")
			}
			f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, os.FileMode(h.Mode).Perm())
			if err != nil {
				return errors.Wrap(err, "create file")
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				os.Remove(target)
				return errors.Wrap(err, "extract file")
			}
			if err := f.Close(); err != nil {
				return errors.Wrap(err, "close file")
			}
		case tar.TypeSymlink:
			linkTarget := h.Linkname
			if !filepath.IsAbs(linkTarget) {
				linkTarget = filepath.Join(filepath.Dir(target), linkTarget)
			}
			cleanLink := filepath.Clean(linkTarget)
			if !strings.HasPrefix(cleanLink, cleanDest+string(os.PathSeparator)) && cleanLink != cleanDest {
				continue // symlink escape attempt
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return errors.Wrap(err, "create directory")
			}
			os.Remove(target)
			if err := os.Symlink(h.Linkname, target); err != nil {
				return errors.Wrap(err, "create symlink")
			}
		}
	}
}
