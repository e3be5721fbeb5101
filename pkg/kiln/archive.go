package kiln

import (
	"archive/tar"
	"bytes"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"golang.org/x/xerrors"
)

// tarDir produces a deterministic tar archive of dir: entries are sorted, owners and
// timestamps are zeroed.
func tarDir(dir string) ([]byte, error) {
	var paths []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == dir {
			return nil
		}
		paths = append(paths, path)
		return nil
	})
	if err != nil {
		return nil, xerrors.Errorf("cannot archive %s: %w", dir, err)
	}
	sort.Strings(paths)

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, path := range paths {
		stat, err := os.Lstat(path)
		if err != nil {
			return nil, xerrors.Errorf("cannot archive %s: %w", path, err)
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return nil, err
		}

		var link string
		if stat.Mode()&os.ModeSymlink != 0 {
			link, err = os.Readlink(path)
			if err != nil {
				return nil, xerrors.Errorf("cannot archive %s: %w", path, err)
			}
		}
		hdr, err := tar.FileInfoHeader(stat, link)
		if err != nil {
			return nil, xerrors.Errorf("cannot archive %s: %w", path, err)
		}
		hdr.Name = filepath.ToSlash(rel)
		if stat.IsDir() {
			hdr.Name += "/"
		}
		hdr.ModTime = time.Unix(0, 0)
		hdr.AccessTime = time.Time{}
		hdr.ChangeTime = time.Time{}
		hdr.Uid, hdr.Gid = 0, 0
		hdr.Uname, hdr.Gname = "", ""
		hdr.Format = tar.FormatPAX

		if err := tw.WriteHeader(hdr); err != nil {
			return nil, err
		}
		if !stat.Mode().IsRegular() {
			continue
		}
		f, err := os.Open(path)
		if err != nil {
			return nil, xerrors.Errorf("cannot archive %s: %w", path, err)
		}
		_, err = io.Copy(tw, f)
		f.Close()
		if err != nil {
			return nil, xerrors.Errorf("cannot archive %s: %w", path, err)
		}
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// untar extracts an archive produced by tarDir into dir
func untar(data []byte, dir string) error {
	tr := tar.NewReader(bytes.NewReader(data))
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return xerrors.Errorf("cannot extract archive: %w", err)
		}

		name := filepath.FromSlash(strings.TrimSuffix(hdr.Name, "/"))
		if name == "" || filepath.IsAbs(name) || name == ".." || strings.HasPrefix(name, ".."+string(filepath.Separator)) {
			return xerrors.Errorf("cannot extract archive: invalid entry %q", hdr.Name)
		}
		dst := filepath.Join(dir, name)

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(dst, os.FileMode(hdr.Mode).Perm()|0700); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
				return err
			}
			f, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode).Perm())
			if err != nil {
				return err
			}
			_, err = io.Copy(f, tr)
			if cerr := f.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				return xerrors.Errorf("cannot extract %s: %w", hdr.Name, err)
			}
		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
				return err
			}
			if err := os.Symlink(hdr.Linkname, dst); err != nil {
				return err
			}
		default:
			return xerrors.Errorf("cannot extract archive: unsupported entry type of %q", hdr.Name)
		}
	}
}
