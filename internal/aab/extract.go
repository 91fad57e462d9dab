package aab

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"
)

const (
	manifestEntry  = "AndroidManifest.xml"
	resTableEntry  = "resources.pb"
	assetsPrefix   = "assets"
	resourcePrefix = "res"
)

// RouteEntry maps an entry of the linked package to its place in the staged
// layout. The second result is false for entries that are dropped.
//
// Prefixes are matched as plain strings, not path segments, and exactly the
// prefix length is stripped: "resources_extra" lands in ResDir as
// "ources_extra". Existing bundles depend on this routing.
func RouteEntry(layout Layout, name string) (string, bool) {
	switch {
	case name == manifestEntry:
		return filepath.Join(layout.ManifestDir, name), true
	case name == resTableEntry:
		return filepath.Join(layout.Root, name), true
	case strings.HasPrefix(name, assetsPrefix):
		return filepath.Join(layout.AssetsDir, name[len(assetsPrefix):]), true
	case strings.HasPrefix(name, resourcePrefix):
		return filepath.Join(layout.ResDir, name[len(resourcePrefix):]), true
	}
	return "", false
}

// ExtractProtoApk distributes the entries of layout.ProtoApk into the staged
// layout and then deletes the compiled resources and the linked package.
func ExtractProtoApk(layout Layout) error {
	if err := ExtractEntries(layout); err != nil {
		return err
	}
	if err := os.RemoveAll(layout.ResZip); err != nil {
		return fsError(err)
	}
	if err := os.RemoveAll(layout.FlatDir); err != nil {
		return fsError(err)
	}
	return fsError(os.Remove(layout.ProtoApk))
}

// ExtractEntries routes every entry of layout.ProtoApk into the layout
// without removing any intermediate file.
func ExtractEntries(layout Layout) error {
	r, err := zip.OpenReader(layout.ProtoApk)
	if err != nil {
		return archiveError(fmt.Errorf("open %s: %w", layout.ProtoApk, err))
	}

	root, err := filepath.Abs(layout.Root)
	if err != nil {
		r.Close()
		return fsError(err)
	}

	extracted := 0
	for _, f := range r.File {
		dest, ok := RouteEntry(layout, f.Name)
		if !ok {
			debugf("Dropping %s\n", f.Name)
			continue
		}

		absDest, err := filepath.Abs(dest)
		if err != nil {
			r.Close()
			return fsError(err)
		}
		// Security Check: Prevent Zip Slip path traversal attacks.
		if absDest != root && !strings.HasPrefix(absDest, root+string(os.PathSeparator)) {
			r.Close()
			return archiveError(fmt.Errorf("illegal file path in archive: %s", f.Name))
		}

		if !f.FileInfo().IsDir() && isDir(absDest) && f.UncompressedSize64 > 0 {
			r.Close()
			return fsError(fmt.Errorf("entry %s has content but maps onto directory %s", f.Name, absDest))
		}
		if f.FileInfo().IsDir() || isDir(absDest) {
			if err := os.MkdirAll(absDest, 0o755); err != nil {
				r.Close()
				return fsError(err)
			}
			continue
		}

		if err := extractFile(f, absDest); err != nil {
			r.Close()
			return err
		}
		extracted++
	}
	if err := r.Close(); err != nil {
		return archiveError(err)
	}
	debugf("Extracted %d entries from %s\n", extracted, layout.ProtoApk)
	return nil
}

func extractFile(f *zip.File, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fsError(err)
	}

	rc, err := f.Open()
	if err != nil {
		return archiveError(fmt.Errorf("open entry %s: %w", f.Name, err))
	}
	defer rc.Close()

	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fsError(err)
	}

	_, err = io.Copy(out, rc)
	closeErr := out.Close()
	if err != nil {
		// Checksum and decompression failures surface from the entry reader.
		return archiveError(fmt.Errorf("extract %s: %w", f.Name, err))
	}
	return fsError(closeErr)
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
