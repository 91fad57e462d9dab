package aab

import (
	"archive/tar"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
)

// zipEpoch is the modification time stamped on every archived entry so that
// identical trees produce identical module archives.
var zipEpoch = time.Date(1980, time.January, 1, 0, 0, 0, 0, time.UTC)

// ArchiveModule zips the staged root into layout.ModuleZip with every entry
// rooted under the root directory's name.
func ArchiveModule(layout Layout) error {
	return ZipTree(layout.Root, layout.ModuleZip, filepath.Base(layout.Root)+"/")
}

// ZipTree writes every regular file below src into a new zip archive at dst.
// Entry names are prefix followed by the slash-separated path relative to src.
// Symlinks to files are stored as copies of their target; any other
// non-directory entry fails the archive.
func ZipTree(src, dst, prefix string) (err error) {
	out, err := os.Create(dst)
	if err != nil {
		return fsError(err)
	}
	defer func() {
		if cerr := out.Close(); err == nil && cerr != nil {
			err = fsError(cerr)
		}
	}()

	zw := zip.NewWriter(out)
	walkErr := filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		info, err := archivedInfo(path, d)
		if err != nil {
			return err
		}

		h := &zip.FileHeader{
			Name:     prefix + filepath.ToSlash(rel),
			Method:   zip.Deflate,
			Modified: zipEpoch,
		}
		h.SetMode(normalizeMode(info.Mode()))
		w, err := zw.CreateHeader(h)
		if err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		_, err = io.Copy(w, f)
		f.Close()
		return err
	})
	if walkErr != nil {
		_ = zw.Close()
		return fsError(fmt.Errorf("zip %s: %w", src, walkErr))
	}
	return fsError(zw.Close())
}

// archivedInfo returns the file whose bytes are stored for path. A symlink
// is archived as a copy of its target under the link's own name; links to
// directories and special files are refused.
func archivedInfo(path string, d fs.DirEntry) (fs.FileInfo, error) {
	if d.Type().IsRegular() {
		return d.Info()
	}
	if d.Type()&fs.ModeSymlink == 0 {
		return nil, fmt.Errorf("%s: cannot archive %s", path, d.Type())
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("resolve link %s: %w", path, err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%s: link target is not a regular file", path)
	}
	return info, nil
}

func normalizeMode(mode os.FileMode) os.FileMode {
	if mode&0o111 != 0 {
		return 0o755
	}
	return 0o644
}

// SnapshotBuildDir archives dir into a .tar.zst at dest so a failed build can
// be inspected after its directory is reused or removed.
func SnapshotBuildDir(dir, dest string) (err error) {
	snap, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("create snapshot: %w", err)
	}
	defer func() {
		if cerr := snap.Close(); err == nil {
			err = cerr
		}
	}()

	enc, err := zstd.NewWriter(snap, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	if err != nil {
		return fmt.Errorf("zstd encoder: %w", err)
	}
	tw := tar.NewWriter(enc)

	walkErr := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == dir {
			return nil
		}
		return addTarEntry(tw, dir, path, d)
	})
	if walkErr != nil {
		enc.Close()
		return fmt.Errorf("snapshot %s: %w", dir, walkErr)
	}
	if err := tw.Close(); err != nil {
		enc.Close()
		return err
	}
	return enc.Close()
}

func addTarEntry(tw *tar.Writer, root, path string, d fs.DirEntry) error {
	info, err := d.Info()
	if err != nil {
		return err
	}
	link := ""
	if d.Type()&fs.ModeSymlink != 0 {
		if link, err = os.Readlink(path); err != nil {
			return err
		}
	}
	hdr, err := tar.FileInfoHeader(info, link)
	if err != nil {
		return err
	}
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return err
	}
	hdr.Name = filepath.ToSlash(rel)
	if d.IsDir() {
		hdr.Name += "/"
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	if !d.Type().IsRegular() {
		return nil
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(tw, f)
	return err
}

// CompressLog writes an XZ-compressed copy of the log at src to dest.
func CompressLog(src, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("create log directory: %w", err)
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	xw, err := xz.NewWriter(out)
	if err != nil {
		out.Close()
		return err
	}
	_, err = io.Copy(xw, in)
	if cerr := xw.Close(); err == nil {
		err = cerr
	}
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("compress %s: %w", src, err)
	}
	return nil
}
