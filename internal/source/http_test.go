package source

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDownloadToFile(t *testing.T) {
	content := "platform archive bytes"
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Write([]byte(content))
	}))
	defer ts.Close()

	dest := filepath.Join(t.TempDir(), "artifact")
	if err := downloadToFile(context.Background(), ts.URL, dest); err != nil {
		t.Fatalf("downloadToFile: %v", err)
	}
	data, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("read downloaded file: %v", err)
	}
	if string(data) != content {
		t.Errorf("content = %q, want %q", string(data), content)
	}
}

func TestDownloadToFile_NotFound(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(http.NotFound))
	defer ts.Close()

	err := downloadToFile(context.Background(), ts.URL, filepath.Join(t.TempDir(), "artifact"))
	if err == nil {
		t.Fatal("expected error for 404 response")
	}
	if !strings.Contains(err.Error(), "404") {
		t.Errorf("error should mention 404: %v", err)
	}
}

func TestDownloadToFile_RejectsHTML(t *testing.T) {
	// Captive portals and mirrors serve error pages as 200 OK.
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte("<html>not found</html>"))
	}))
	defer ts.Close()

	err := downloadToFile(context.Background(), ts.URL, filepath.Join(t.TempDir(), "artifact"))
	if err == nil {
		t.Fatal("expected error for HTML response")
	}
	if !strings.Contains(err.Error(), "Content-Type") {
		t.Errorf("error should mention Content-Type: %v", err)
	}
}

func TestProbe(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/exists" {
			http.NotFound(w, r)
		}
	}))
	defer ts.Close()

	if !probe(context.Background(), ts.URL+"/exists") {
		t.Error("probe should succeed for 200 response")
	}
	if probe(context.Background(), ts.URL+"/missing") {
		t.Error("probe should fail for 404 response")
	}
	if probe(context.Background(), "http://127.0.0.1:1/unreachable") {
		t.Error("probe should fail for unreachable host")
	}
}

func TestLatestStamp(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/latest" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte("  " + testStamp + "\n"))
	}))
	defer ts.Close()

	stamp, err := LatestStamp(context.Background(), testEnv(ts.URL))
	if err != nil {
		t.Fatalf("LatestStamp: %v", err)
	}
	if stamp != testStamp {
		t.Errorf("stamp = %q, want %q", stamp, testStamp)
	}
}

func TestListAvailable(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/index" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte("20250101T000000Z\n\n20260801T123456Z\n20251231T000000Z\n"))
	}))
	defer ts.Close()

	stamps, err := ListAvailable(context.Background(), testEnv(ts.URL))
	if err != nil {
		t.Fatalf("ListAvailable: %v", err)
	}
	want := []string{"20260801T123456Z", "20251231T000000Z", "20250101T000000Z"}
	if len(stamps) != len(want) {
		t.Fatalf("got %d stamps, want %d: %v", len(stamps), len(want), stamps)
	}
	for i := range want {
		if stamps[i] != want[i] {
			t.Errorf("stamps[%d] = %q, want %q", i, stamps[i], want[i])
		}
	}
}

func TestManifestDigest(t *testing.T) {
	manifest := strings.Join([]string{
		"aaaa  platform-20250101T000000Z.tgz",
		"bbbb *platform-20260801T123456Z.tgz",
		"cccc  ./images/platform-20260802T000000Z.tgz",
		"malformed-line",
		"",
	}, "\n")

	tests := []struct {
		name string
		want string
	}{
		{"platform-20250101T000000Z.tgz", "aaaa"},
		{"platform-20260801T123456Z.tgz", "bbbb"},
		{"platform-20260802T000000Z.tgz", "cccc"},
	}
	for _, tt := range tests {
		got, err := manifestDigest(manifest, tt.name)
		if err != nil {
			t.Errorf("manifestDigest(%s): %v", tt.name, err)
			continue
		}
		if got != tt.want {
			t.Errorf("manifestDigest(%s) = %q, want %q", tt.name, got, tt.want)
		}
	}

	if _, err := manifestDigest(manifest, "platform-20990101T000000Z.tgz"); err == nil {
		t.Error("expected error for missing manifest entry")
	}
}

func TestFileDigest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "artifact")
	if err := os.WriteFile(path, []byte("hello"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, err := fileDigest("sha256", path)
	if err != nil {
		t.Fatalf("fileDigest: %v", err)
	}
	want := "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"
	if got != want {
		t.Errorf("sha256 = %q, want %q", got, want)
	}

	if _, err := fileDigest("whirlpool", path); err == nil {
		t.Error("expected error for unsupported algorithm")
	}
}
