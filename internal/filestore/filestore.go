// Package filestore reads and writes vault files through an afero.Fs rooted at
// the vault directory. The same store backs the server vault and the client's
// local copy.
package filestore

import (
	"errors"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"

	"aerosol/internal/errs"
	"aerosol/internal/vaultpath"
)

// TempPrefix marks in-flight writes. Files carrying it are never reported
// by Walk and are ignored by the watcher.
const TempPrefix = ".aerosol-tmp-"

const (
	dirPerm  os.FileMode = 0o755
	filePerm os.FileMode = 0o644
)

// Store is a FileStore over an afero filesystem. Paths are resolved under
// "/" of the filesystem, so wrap a real directory with afero.NewBasePathFs.
type Store struct {
	fs afero.Fs
}

func New(fs afero.Fs) *Store {
	return &Store{fs: fs}
}

// NewOS returns a store rooted at dir on the local disk, creating dir when
// it does not exist.
func NewOS(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return nil, &errs.IOError{Op: "mkdir", Path: dir, Err: err}
	}
	return New(afero.NewBasePathFs(afero.NewOsFs(), dir)), nil
}

// Fs exposes the underlying filesystem.
func (s *Store) Fs() afero.Fs {
	return s.fs
}

// Ignored reports whether a slash-separated vault-relative name is outside
// the synchronized set: in-flight temp files and anything below a dot
// directory such as .obsidian or .git.
func Ignored(rel string) bool {
	segments := strings.Split(rel, "/")
	for i, seg := range segments {
		if i == len(segments)-1 {
			return strings.HasPrefix(seg, TempPrefix)
		}
		if strings.HasPrefix(seg, ".") {
			return true
		}
	}
	return false
}

func abs(p vaultpath.Path) string {
	return "/" + p.String()
}

// regular fails with a NotFoundError unless p names a regular file.
// Directories are not vault files.
func (s *Store) regular(op string, p vaultpath.Path) error {
	info, err := s.fs.Stat(abs(p))
	if err != nil {
		return mapErr(op, p, err)
	}
	if !info.Mode().IsRegular() {
		return &errs.NotFoundError{Path: p.String()}
	}
	return nil
}

func (s *Store) Read(p vaultpath.Path) ([]byte, error) {
	if err := s.regular("read", p); err != nil {
		return nil, err
	}
	data, err := afero.ReadFile(s.fs, abs(p))
	if err != nil {
		return nil, mapErr("read", p, err)
	}
	return data, nil
}

// Exists reports whether p names a regular file.
func (s *Store) Exists(p vaultpath.Path) (bool, error) {
	info, err := s.fs.Stat(abs(p))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, &errs.IOError{Op: "stat", Path: p.String(), Err: err}
	}
	return info.Mode().IsRegular(), nil
}

// Write replaces the contents of p, creating parent directories. The data
// lands in a temp file next to the target first and is renamed into place,
// so readers never see a partial file.
func (s *Store) Write(p vaultpath.Path, data []byte) error {
	dir := "/" + p.Dir()
	if err := s.fs.MkdirAll(dir, dirPerm); err != nil {
		return &errs.IOError{Op: "mkdir", Path: p.String(), Err: err}
	}

	tmp, err := afero.TempFile(s.fs, dir, TempPrefix+"*")
	if err != nil {
		return &errs.IOError{Op: "write", Path: p.String(), Err: err}
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = s.fs.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return &errs.IOError{Op: "write", Path: p.String(), Err: err}
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return &errs.IOError{Op: "write", Path: p.String(), Err: err}
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return &errs.IOError{Op: "write", Path: p.String(), Err: err}
	}
	if err := s.fs.Chmod(tmpName, filePerm); err != nil {
		cleanup()
		return &errs.IOError{Op: "write", Path: p.String(), Err: err}
	}
	if err := s.fs.Rename(tmpName, abs(p)); err != nil {
		cleanup()
		return &errs.IOError{Op: "write", Path: p.String(), Err: err}
	}
	return nil
}

func (s *Store) Delete(p vaultpath.Path) error {
	if err := s.regular("delete", p); err != nil {
		return err
	}
	if err := s.fs.Remove(abs(p)); err != nil {
		return mapErr("delete", p, err)
	}
	return nil
}

// Rename moves oldPath to newPath. It fails with a ConflictError when
// newPath already exists and a NotFoundError when oldPath is not a regular
// file. The existence checks and the move are sequential, not atomic.
func (s *Store) Rename(oldPath, newPath vaultpath.Path) error {
	if err := s.regular("rename", oldPath); err != nil {
		return err
	}
	if _, err := s.fs.Stat(abs(newPath)); err == nil {
		return &errs.ConflictError{Path: newPath.String()}
	} else if !errors.Is(err, os.ErrNotExist) {
		return &errs.IOError{Op: "rename", Path: newPath.String(), Err: err}
	}
	if err := s.fs.MkdirAll("/"+newPath.Dir(), dirPerm); err != nil {
		return &errs.IOError{Op: "mkdir", Path: newPath.String(), Err: err}
	}
	if err := s.fs.Rename(abs(oldPath), abs(newPath)); err != nil {
		return mapErr("rename", oldPath, err)
	}
	return nil
}

// Walk calls fn for every synchronized regular file with its contents.
// Names that are ignored or fail path validation are skipped.
func (s *Store) Walk(fn func(p vaultpath.Path, data []byte) error) error {
	return afero.Walk(s.fs, "/", func(name string, info os.FileInfo, err error) error {
		if err != nil {
			return &errs.IOError{Op: "walk", Path: name, Err: err}
		}
		rel := strings.TrimPrefix(path.Clean(filepath.ToSlash(name)), "/")
		if info.IsDir() {
			if rel != "" && strings.HasPrefix(info.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !info.Mode().IsRegular() || Ignored(rel) {
			return nil
		}
		p, err := vaultpath.Parse(rel)
		if err != nil {
			return nil
		}
		data, err := afero.ReadFile(s.fs, name)
		if err != nil {
			return mapErr("read", p, err)
		}
		return fn(p, data)
	})
}

func mapErr(op string, p vaultpath.Path, err error) error {
	if errors.Is(err, os.ErrNotExist) {
		return &errs.NotFoundError{Path: p.String()}
	}
	return &errs.IOError{Op: op, Path: p.String(), Err: err}
}
