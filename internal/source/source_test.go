package source

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/poolboot/poolboot/internal/bootfs"
	"github.com/poolboot/poolboot/internal/config"
	"github.com/poolboot/poolboot/internal/errkind"
	"github.com/poolboot/poolboot/internal/testutil"
)

const testStamp = "20260801T123456Z"

func testEnv(sourceURL string) Env {
	return Env{
		Config: config.Config{
			DigestAlgo: "sha256",
			SourceURL:  sourceURL,
		},
		Log: zerolog.Nop(),
	}
}

// imageServer serves a platform archive at the conventional path together
// with a matching checksum manifest.
func imageServer(t *testing.T, stamp string) *httptest.Server {
	t.Helper()

	archive := filepath.Join(t.TempDir(), "platform-"+stamp+".tgz")
	if err := testutil.CreatePlatformArchive(archive, stamp); err != nil {
		t.Fatalf("CreatePlatformArchive: %v", err)
	}
	data, err := os.ReadFile(archive)
	if err != nil {
		t.Fatalf("read archive: %v", err)
	}
	sum := sha256.Sum256(data)
	manifest := fmt.Sprintf("%s  platform-%s.tgz\n", hex.EncodeToString(sum[:]), stamp)

	mux := http.NewServeMux()
	mux.HandleFunc("/"+stamp+"/platform-"+stamp+".tgz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Write(data)
	})
	mux.HandleFunc("/checksums.sha256", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(manifest))
	})
	mux.HandleFunc("/latest", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(stamp + "\n"))
	})
	mux.HandleFunc("/index", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("20250101T000000Z\n" + stamp + "\n"))
	})

	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func TestClassify(t *testing.T) {
	local := filepath.Join(t.TempDir(), "image.tgz")
	if err := os.WriteFile(local, []byte("x"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	tests := []struct {
		spec string
		want Kind
	}{
		{"latest", KindLatest},
		{"media", KindMedia},
		{"oci://registry.example/platform:tag", KindOCI},
		{"https://example.com/platform.tgz", KindURL},
		{"http://example.com/platform.tgz", KindURL},
		{local, KindLocalFile},
		{testStamp, KindStamp},
		{"garbage", KindStamp},
	}
	for _, tt := range tests {
		if got := Classify(tt.spec); got != tt.want {
			t.Errorf("Classify(%q) = %v, want %v", tt.spec, got, tt.want)
		}
	}
}

func TestResolveStamp(t *testing.T) {
	ts := imageServer(t, testStamp)

	res, err := Resolve(context.Background(), testEnv(ts.URL), bootfs.FS{}, testStamp)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	defer res.Close()

	if res.Tree.Stamp != testStamp {
		t.Errorf("stamp = %q, want %q", res.Tree.Stamp, testStamp)
	}
	record := filepath.Join(res.Tree.PlatformDir, "etc", "version", "platform")
	data, err := os.ReadFile(record)
	if err != nil {
		t.Fatalf("read version record: %v", err)
	}
	if got := strings.TrimSpace(string(data)); got != testStamp {
		t.Errorf("version record = %q, want %q", got, testStamp)
	}
	if res.Tree.BootDir != "" {
		t.Errorf("archive without loader bits should yield empty BootDir, got %q", res.Tree.BootDir)
	}
}

func TestResolveStamp_InvalidStamp(t *testing.T) {
	_, err := Resolve(context.Background(), testEnv("http://unused"), bootfs.FS{}, "not-a-stamp")
	if err == nil {
		t.Fatal("expected error for malformed stamp")
	}
	if !errkind.IsUser(err) {
		t.Errorf("expected user error, got %v", err)
	}
}

func TestResolveStamp_AlreadyInstalled(t *testing.T) {
	mount := t.TempDir()
	fs := bootfs.FS{Pool: "rpool", Mount: mount}
	if err := os.MkdirAll(fs.PlatformDir(testStamp), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	_, err := Resolve(context.Background(), testEnv("http://unused"), fs, testStamp)
	if err == nil {
		t.Fatal("expected error for already-installed stamp")
	}
	if !errkind.IsUser(err) {
		t.Errorf("expected user error, got %v", err)
	}
	if !strings.Contains(err.Error(), "already installed") {
		t.Errorf("error should say already installed: %v", err)
	}
}

func TestResolveStamp_ChecksumMismatch(t *testing.T) {
	archive := filepath.Join(t.TempDir(), "platform-"+testStamp+".tgz")
	if err := testutil.CreatePlatformArchive(archive, testStamp); err != nil {
		t.Fatalf("CreatePlatformArchive: %v", err)
	}
	data, err := os.ReadFile(archive)
	if err != nil {
		t.Fatalf("read archive: %v", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/"+testStamp+"/platform-"+testStamp+".tgz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Write(data)
	})
	mux.HandleFunc("/checksums.sha256", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "%s  platform-%s.tgz\n", strings.Repeat("0", 64), testStamp)
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	_, err = Resolve(context.Background(), testEnv(ts.URL), bootfs.FS{}, testStamp)
	if err == nil {
		t.Fatal("expected checksum mismatch error")
	}
	if !errkind.IsOperation(err) {
		t.Errorf("expected operation error, got %v", err)
	}
	if !strings.Contains(err.Error(), "mismatch") {
		t.Errorf("error should mention mismatch: %v", err)
	}
}

func TestResolveStamp_SkipChecksum(t *testing.T) {
	archive := filepath.Join(t.TempDir(), "platform-"+testStamp+".tgz")
	if err := testutil.CreatePlatformArchive(archive, testStamp); err != nil {
		t.Fatalf("CreatePlatformArchive: %v", err)
	}
	data, err := os.ReadFile(archive)
	if err != nil {
		t.Fatalf("read archive: %v", err)
	}

	// No manifest endpoint at all; only verification skip makes this work.
	mux := http.NewServeMux()
	mux.HandleFunc("/"+testStamp+"/platform-"+testStamp+".tgz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Write(data)
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	env := testEnv(ts.URL)
	env.Config.SkipChecksum = true
	res, err := Resolve(context.Background(), env, bootfs.FS{}, testStamp)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	res.Close()
}

func TestResolveLatest(t *testing.T) {
	ts := imageServer(t, testStamp)

	res, err := Resolve(context.Background(), testEnv(ts.URL), bootfs.FS{}, LatestToken)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	defer res.Close()
	if res.Tree.Stamp != testStamp {
		t.Errorf("stamp = %q, want %q", res.Tree.Stamp, testStamp)
	}
}

func TestResolveURL(t *testing.T) {
	ts := imageServer(t, testStamp)

	url := ts.URL + "/" + testStamp + "/platform-" + testStamp + ".tgz"
	res, err := Resolve(context.Background(), testEnv(ts.URL), bootfs.FS{}, url)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	defer res.Close()
	if res.Tree.Stamp != testStamp {
		t.Errorf("stamp = %q, want %q", res.Tree.Stamp, testStamp)
	}
}

func TestResolveURL_FallbackToStamp(t *testing.T) {
	ts := imageServer(t, testStamp)

	// The URL itself 404s on probe; its final path element is a valid
	// stamp, so resolution falls back to the conventional layout.
	url := ts.URL + "/mirror/" + testStamp
	res, err := Resolve(context.Background(), testEnv(ts.URL), bootfs.FS{}, url)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	defer res.Close()
	if res.Tree.Stamp != testStamp {
		t.Errorf("stamp = %q, want %q", res.Tree.Stamp, testStamp)
	}
}

// manifestServer serves only a sha256 checksum manifest with the given
// lines, for sources that are local but still verified.
func manifestServer(t *testing.T, lines ...string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/checksums.sha256", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(strings.Join(lines, "\n") + "\n"))
	})
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func sha256Line(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]) + "  " + filepath.Base(path)
}

func TestResolveLocalFile(t *testing.T) {
	archive := filepath.Join(t.TempDir(), "platform-"+testStamp+".tgz")
	if err := testutil.CreatePlatformArchive(archive, testStamp); err != nil {
		t.Fatalf("CreatePlatformArchive: %v", err)
	}
	ts := manifestServer(t, sha256Line(t, archive))

	res, err := Resolve(context.Background(), testEnv(ts.URL), bootfs.FS{}, archive)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	defer res.Close()
	if res.Tree.Stamp != testStamp {
		t.Errorf("stamp = %q, want %q", res.Tree.Stamp, testStamp)
	}
}

func TestResolveLocalFile_ChecksumMismatch(t *testing.T) {
	archive := filepath.Join(t.TempDir(), "platform-"+testStamp+".tgz")
	if err := testutil.CreatePlatformArchive(archive, testStamp); err != nil {
		t.Fatalf("CreatePlatformArchive: %v", err)
	}
	ts := manifestServer(t, strings.Repeat("0", 64)+"  platform-"+testStamp+".tgz")

	_, err := Resolve(context.Background(), testEnv(ts.URL), bootfs.FS{}, archive)
	if !errkind.IsOperation(err) {
		t.Fatalf("err = %v, want operation error", err)
	}
	if !strings.Contains(err.Error(), "mismatch") {
		t.Errorf("err = %v, want checksum mismatch", err)
	}
}

func TestResolveLocalFile_ISO(t *testing.T) {
	iso := filepath.Join(t.TempDir(), "install.iso")
	if err := testutil.CreateISOImage(iso, testutil.PlatformISOFiles(testStamp)); err != nil {
		t.Fatalf("CreateISOImage: %v", err)
	}
	ts := manifestServer(t, sha256Line(t, iso))

	res, err := Resolve(context.Background(), testEnv(ts.URL), bootfs.FS{}, iso)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	defer res.Close()
	if res.Tree.Stamp != testStamp {
		t.Errorf("stamp = %q, want %q", res.Tree.Stamp, testStamp)
	}
	if res.Tree.BootDir == "" {
		t.Error("optical image should yield loader bits")
	}
}

func TestResolvedClose_RemovesStaging(t *testing.T) {
	ts := imageServer(t, testStamp)

	res, err := Resolve(context.Background(), testEnv(ts.URL), bootfs.FS{}, testStamp)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	staging := res.staging
	if _, err := os.Stat(staging); err != nil {
		t.Fatalf("staging should exist before Close: %v", err)
	}
	if err := res.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := os.Stat(staging); !os.IsNotExist(err) {
		t.Error("staging should be removed after Close")
	}
	// Second Close is a no-op.
	if err := res.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestResolve_CleansStagingOnError(t *testing.T) {
	before := stagingDirs(t)
	_, err := Resolve(context.Background(), testEnv("http://unused"), bootfs.FS{}, "not-a-stamp")
	if err == nil {
		t.Fatal("expected error")
	}
	after := stagingDirs(t)
	if len(after) != len(before) {
		t.Errorf("staging dirs leaked: %d before, %d after", len(before), len(after))
	}
}

func stagingDirs(t *testing.T) []string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(os.TempDir(), "poolboot-*"))
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	return matches
}
