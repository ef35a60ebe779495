package source

import (
	"archive/tar"
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"

	"github.com/poolboot/poolboot/internal/errkind"
	"github.com/poolboot/poolboot/internal/testutil"
)

func TestSniff(t *testing.T) {
	dir := t.TempDir()

	write := func(name string, data []byte) string {
		t.Helper()
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, data, 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
		return path
	}

	gzPath := write("a.gz", append([]byte{0x1f, 0x8b}, make([]byte, 16)...))
	xzPath := write("a.xz", append([]byte{0xfd, '7', 'z', 'X', 'Z', 0x00}, make([]byte, 16)...))
	zstPath := write("a.zst", append([]byte{0x28, 0xb5, 0x2f, 0xfd}, make([]byte, 16)...))
	junkPath := write("a.bin", []byte("this is not an image artifact at all"))
	shortPath := write("a.short", []byte{0x1f})

	isoPath := filepath.Join(dir, "a.iso")
	if err := testutil.CreateISOImage(isoPath, testutil.PlatformISOFiles(testStamp)); err != nil {
		t.Fatalf("CreateISOImage: %v", err)
	}

	tests := []struct {
		name string
		path string
		want Format
	}{
		{"gzip", gzPath, FormatGzip},
		{"xz", xzPath, FormatXZ},
		{"zstd", zstPath, FormatZstd},
		{"iso", isoPath, FormatISO},
		{"junk", junkPath, FormatUnknown},
		{"short", shortPath, FormatUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Sniff(tt.path)
			if err != nil {
				t.Fatalf("Sniff: %v", err)
			}
			if got != tt.want {
				t.Errorf("Sniff = %v, want %v", got, tt.want)
			}
		})
	}
}

// writeStampArchive builds a compressed tar whose version record content is
// chosen by the caller, so mismatches can be provoked.
func writeStampArchive(t *testing.T, path, dirStamp, recordStamp string, compress func(*os.File) (io.WriteCloser, error)) {
	t.Helper()

	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create %s: %v", path, err)
	}
	defer f.Close()

	cw, err := compress(f)
	if err != nil {
		t.Fatalf("compressor: %v", err)
	}
	tw := tar.NewWriter(cw)

	top := "platform-" + dirStamp
	record := []byte(recordStamp + "\n")
	for _, d := range []string{top, top + "/etc", top + "/etc/version", top + "/i86pc"} {
		if err := tw.WriteHeader(&tar.Header{Name: d + "/", Typeflag: tar.TypeDir, Mode: 0o755}); err != nil {
			t.Fatalf("write dir header: %v", err)
		}
	}
	files := map[string][]byte{
		top + "/etc/version/platform": record,
		top + "/i86pc/kernel":         []byte("kernel"),
	}
	for name, content := range files {
		if err := tw.WriteHeader(&tar.Header{Name: name, Mode: 0o644, Size: int64(len(content))}); err != nil {
			t.Fatalf("write header: %v", err)
		}
		if _, err := tw.Write(content); err != nil {
			t.Fatalf("write content: %v", err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("close tar: %v", err)
	}
	if err := cw.Close(); err != nil {
		t.Fatalf("close compressor: %v", err)
	}
}

func gzipCompressor(f *os.File) (io.WriteCloser, error) {
	return gzip.NewWriter(f), nil
}

func TestExtractArtifact_Gzip(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "platform.tgz")
	writeStampArchive(t, archive, testStamp, testStamp, gzipCompressor)

	tree, err := extractArtifact(archive, t.TempDir())
	if err != nil {
		t.Fatalf("extractArtifact: %v", err)
	}
	if tree.Stamp != testStamp {
		t.Errorf("stamp = %q, want %q", tree.Stamp, testStamp)
	}
	if _, err := os.Stat(filepath.Join(tree.PlatformDir, "i86pc", "kernel")); err != nil {
		t.Errorf("kernel missing from extracted tree: %v", err)
	}
}

func TestExtractArtifact_XZ(t *testing.T) {
	archive := filepath.Join(t.TempDir(), "platform.txz")
	writeStampArchive(t, archive, testStamp, testStamp, func(f *os.File) (io.WriteCloser, error) {
		w, err := xz.NewWriter(f)
		return w, err
	})

	tree, err := extractArtifact(archive, t.TempDir())
	if err != nil {
		t.Fatalf("extractArtifact: %v", err)
	}
	if tree.Stamp != testStamp {
		t.Errorf("stamp = %q, want %q", tree.Stamp, testStamp)
	}
}

func TestExtractArtifact_Zstd(t *testing.T) {
	archive := filepath.Join(t.TempDir(), "platform.tzst")
	writeStampArchive(t, archive, testStamp, testStamp, func(f *os.File) (io.WriteCloser, error) {
		w, err := zstd.NewWriter(f)
		return w, err
	})

	tree, err := extractArtifact(archive, t.TempDir())
	if err != nil {
		t.Fatalf("extractArtifact: %v", err)
	}
	if tree.Stamp != testStamp {
		t.Errorf("stamp = %q, want %q", tree.Stamp, testStamp)
	}
}

func TestExtractArtifact_VersionRecordMismatch(t *testing.T) {
	archive := filepath.Join(t.TempDir(), "platform.tgz")
	writeStampArchive(t, archive, testStamp, "20991231T235959Z", gzipCompressor)

	_, err := extractArtifact(archive, t.TempDir())
	if err == nil {
		t.Fatal("expected version record mismatch error")
	}
	if !errkind.IsOperation(err) {
		t.Errorf("expected operation error, got %v", err)
	}
	if !strings.Contains(err.Error(), "does not match") {
		t.Errorf("error should mention the mismatch: %v", err)
	}
}

func TestExtractArtifact_Unrecognized(t *testing.T) {
	path := filepath.Join(t.TempDir(), "junk")
	if err := os.WriteFile(path, []byte("not an artifact"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	_, err := extractArtifact(path, t.TempDir())
	if err == nil {
		t.Fatal("expected error for unrecognized artifact")
	}
	if !errkind.IsOperation(err) {
		t.Errorf("expected operation error, got %v", err)
	}
}

func TestExtractISO_CarriesLoaderBits(t *testing.T) {
	iso := filepath.Join(t.TempDir(), "install.iso")
	if err := testutil.CreateISOImage(iso, testutil.PlatformISOFiles(testStamp)); err != nil {
		t.Fatalf("CreateISOImage: %v", err)
	}

	tree, err := extractISO(iso, t.TempDir())
	if err != nil {
		t.Fatalf("extractISO: %v", err)
	}
	if tree.Stamp != testStamp {
		t.Errorf("stamp = %q, want %q", tree.Stamp, testStamp)
	}
	for _, name := range []string{"pmbr", "gptzfsboot", "loader.conf"} {
		if _, err := os.Stat(filepath.Join(tree.BootDir, name)); err != nil {
			t.Errorf("loader file %s missing: %v", name, err)
		}
	}
}
