package handler

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// LocalDrive serves documents from a directory tree. Every path is resolved
// relative to the root and may not leave it.
type LocalDrive struct {
	root string
	mode WriteMode
}

func NewLocalDrive(root string) (*LocalDrive, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve local root %s", root)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create local root %s", abs)
	}
	return &LocalDrive{root: abs}, nil
}

func (l *LocalDrive) Root() string { return l.root }

func (l *LocalDrive) PicksFolders() bool { return true }

func (l *LocalDrive) SetWriteMode(mode WriteMode) { l.mode = mode }

// Resolve maps a handler relative path onto the filesystem.
func (l *LocalDrive) Resolve(p string) (string, error) {
	full := filepath.Join(l.root, filepath.FromSlash(p))
	rel, err := filepath.Rel(l.root, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", errors.Wrapf(ErrOutsideRoot, "%s", p)
	}
	return full, nil
}

func (l *LocalDrive) relative(full string) string {
	rel, err := filepath.Rel(l.root, full)
	if err != nil {
		return full
	}
	return filepath.ToSlash(rel)
}

func (l *LocalDrive) ListDocuments(ctx context.Context, root, ext string, recursive bool) ([]File, error) {
	start, err := l.Resolve(root)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(start)
	if err != nil {
		return nil, errors.Wrapf(err, "list %s", root)
	}
	if !info.IsDir() {
		return []File{{Path: l.relative(start), Name: info.Name(), Size: info.Size()}}, nil
	}

	var files []File
	err = filepath.WalkDir(start, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if p == start {
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if !recursive {
				return fs.SkipDir
			}
			return nil
		}
		if !MatchesExtension(d.Name(), ext) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		files = append(files, File{Path: l.relative(p), Name: d.Name(), Size: info.Size()})
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "list %s", root)
	}
	return files, nil
}

func (l *LocalDrive) ReadDocuments(ctx context.Context, paths []string) ([]File, error) {
	files := make([]File, 0, len(paths))
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		full, err := l.Resolve(p)
		if err != nil {
			return nil, err
		}
		data, err := os.ReadFile(full)
		if err != nil {
			return nil, errors.Wrapf(err, "read %s", p)
		}
		files = append(files, File{Path: l.relative(full), Name: filepath.Base(full), Size: int64(len(data)), Data: data})
	}
	return files, nil
}

func (l *LocalDrive) WriteDocuments(ctx context.Context, files []File, dir string) error {
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		full, err := l.Resolve(filepath.Join(filepath.FromSlash(dir), filepath.FromSlash(f.Path)))
		if err != nil {
			return err
		}
		if l.mode == Append {
			if _, err := os.Stat(full); err == nil {
				continue
			}
		}
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return errors.Wrapf(err, "create directory for %s", f.Path)
		}
		if err := os.WriteFile(full, f.Data, 0o644); err != nil {
			return errors.Wrapf(err, "write %s", f.Path)
		}
	}
	return nil
}

func (l *LocalDrive) Exists(_ context.Context, p string) (bool, error) {
	full, err := l.Resolve(p)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(full); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, errors.Wrapf(err, "stat %s", p)
	}
	return true, nil
}

// Remove deletes p and everything below it. A missing path is not an error.
func (l *LocalDrive) Remove(p string) error {
	full, err := l.Resolve(p)
	if err != nil {
		return err
	}
	if full == l.root {
		return errors.Wrapf(ErrOutsideRoot, "refusing to remove the root")
	}
	return errors.Wrapf(os.RemoveAll(full), "remove %s", p)
}

func (l *LocalDrive) Shutdown() error {
	return nil
}
