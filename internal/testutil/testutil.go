// Package testutil fabricates the disk images, ISOs, and platform archives
// the tests probe and extract.
package testutil

import (
	"archive/tar"
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/diskfs/go-diskfs"
	"github.com/diskfs/go-diskfs/disk"
	"github.com/diskfs/go-diskfs/filesystem"
	"github.com/diskfs/go-diskfs/filesystem/iso9660"
)

// CreateFATImage creates a raw image holding a bare FAT32 filesystem (no
// partition table), the shape of a System Partition slice. files maps
// path -> content.
func CreateFATImage(path string, sizeMB int64, files map[string][]byte) error {
	diskImg, err := diskfs.Create(path, sizeMB*1024*1024, diskfs.SectorSizeDefault)
	if err != nil {
		return err
	}

	spec := disk.FilesystemSpec{
		Partition:   0,
		FSType:      filesystem.TypeFat32,
		VolumeLabel: "SYSTEM",
	}
	fs, err := diskImg.CreateFilesystem(spec)
	if err != nil {
		return err
	}

	for filePath, content := range files {
		if err := mkdirAllFS(fs, filepath.Dir(filePath)); err != nil {
			return err
		}
		f, err := fs.OpenFile(filePath, os.O_CREATE|os.O_RDWR)
		if err != nil {
			return err
		}
		if _, err := f.Write(content); err != nil {
			f.Close()
			return err
		}
		f.Close()
	}
	return diskImg.Close()
}

// CreateISOImage creates an ISO9660 image with the provided files.
func CreateISOImage(path string, files map[string][]byte) error {
	diskImg, err := diskfs.Create(path, 10*1024*1024, diskfs.SectorSize(2048))
	if err != nil {
		return err
	}

	spec := disk.FilesystemSpec{
		Partition:   0,
		FSType:      filesystem.TypeISO9660,
		VolumeLabel: "POOLBOOT",
	}
	fs, err := diskImg.CreateFilesystem(spec)
	if err != nil {
		return err
	}
	isoFS, ok := fs.(*iso9660.FileSystem)
	if !ok {
		return err
	}

	for filePath, content := range files {
		if err := mkdirAllFS(isoFS, filepath.Dir(filePath)); err != nil {
			return err
		}
		f, err := isoFS.OpenFile(filePath, os.O_CREATE|os.O_RDWR)
		if err != nil {
			return err
		}
		if _, err := f.Write(content); err != nil {
			f.Close()
			return err
		}
		f.Close()
	}
	if err := isoFS.Finalize(iso9660.FinalizeOptions{RockRidge: true}); err != nil {
		return err
	}
	return diskImg.Close()
}

// PlatformISOFiles returns the file set of a minimal install ISO carrying
// both platform payload and loader bits for the given stamp.
func PlatformISOFiles(stamp string) map[string][]byte {
	return map[string][]byte{
		"/platform/i86pc/kernel":         []byte("kernel"),
		"/platform/i86pc/boot_archive":   []byte("archive"),
		"/platform/etc/version/platform": []byte(stamp + "\n"),
		"/boot/loader.conf":              []byte("autoboot_delay=2\n"),
		"/boot/pmbr":                     []byte("stage1"),
		"/boot/gptzfsboot":               []byte("stage2"),
	}
}

// CreatePlatformArchive writes a gzip-compressed tar platform archive (no
// loader bits) for the given stamp.
func CreatePlatformArchive(path, stamp string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)

	files := map[string][]byte{
		"platform-" + stamp + "/i86pc/kernel":         []byte("kernel"),
		"platform-" + stamp + "/i86pc/boot_archive":   []byte("archive"),
		"platform-" + stamp + "/etc/version/platform": []byte(stamp + "\n"),
	}
	dirs := map[string]bool{}
	for name := range files {
		d := filepath.Dir(name)
		for d != "." && !dirs[d] {
			dirs[d] = true
			d = filepath.Dir(d)
		}
	}
	for d := range dirs {
		if err := tw.WriteHeader(&tar.Header{
			Name:     d + "/",
			Typeflag: tar.TypeDir,
			Mode:     0o755,
		}); err != nil {
			return err
		}
	}
	for name, content := range files {
		if err := tw.WriteHeader(&tar.Header{
			Name: name,
			Mode: 0o644,
			Size: int64(len(content)),
		}); err != nil {
			return err
		}
		if _, err := io.Copy(tw, strings.NewReader(string(content))); err != nil {
			return err
		}
	}
	if err := tw.Close(); err != nil {
		return err
	}
	return gz.Close()
}

// mkdirAllFS creates dir and its parents inside a diskfs filesystem.
func mkdirAllFS(fs filesystem.FileSystem, dir string) error {
	if dir == "." || dir == "/" || dir == "" {
		return nil
	}
	parts := strings.Split(strings.TrimPrefix(dir, "/"), "/")
	current := ""
	for _, part := range parts {
		current = current + "/" + part
		_ = fs.Mkdir(current) // may already exist
	}
	return nil
}
