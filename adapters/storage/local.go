// Package storage provides StorageAdapter implementations for encoded
// output.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/Skryldev/image-optimizer/core"
	apperrors "github.com/Skryldev/image-optimizer/errors"
)

// Local stores images on the local filesystem.  Writes go to a temporary
// file in the destination directory and are renamed into place, so readers
// never observe a partial file.
type Local struct {
	rootDir     string
	permissions os.FileMode
}

// NewLocal creates a Local storage adapter rooted at dir.
func NewLocal(dir string, perm os.FileMode) (*Local, error) {
	if perm == 0 {
		perm = 0o644
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeIOFailure, "local.init", fmt.Errorf("mkdir %s: %w", dir, err))
	}
	return &Local{rootDir: dir, permissions: perm}, nil
}

// absPath keeps every key inside rootDir; Bucket maps to a subdirectory.
func (l *Local) absPath(key core.StorageKey) string {
	return filepath.Join(l.rootDir, filepath.Clean("/"+key.Bucket), filepath.Clean("/"+key.Path))
}

func (l *Local) Put(ctx context.Context, key core.StorageKey, r io.Reader, meta map[string]string) error {
	if err := ctx.Err(); err != nil {
		return apperrors.New(apperrors.CodeCancelled, "local.put", err)
	}

	path := l.absPath(key)
	if err := WriteFileAtomic(path, r, l.permissions); err != nil {
		return err
	}

	// Metadata lives in a side-car JSON file.
	if len(meta) > 0 {
		b, err := json.Marshal(meta)
		if err != nil {
			return apperrors.Wrap(apperrors.CodeInvariantViolation, "local.put.meta", err)
		}
		if err := os.WriteFile(path+".meta.json", b, l.permissions); err != nil {
			return apperrors.Classify("local.put.meta", err)
		}
	}
	return nil
}

func (l *Local) Get(ctx context.Context, key core.StorageKey) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.New(apperrors.CodeCancelled, "local.get", err)
	}
	f, err := os.Open(l.absPath(key))
	if err != nil {
		return nil, apperrors.Classify("local.get", fmt.Errorf("key %v: %w", key, err))
	}
	return f, nil
}

func (l *Local) Delete(ctx context.Context, key core.StorageKey) error {
	if err := ctx.Err(); err != nil {
		return apperrors.New(apperrors.CodeCancelled, "local.delete", err)
	}
	path := l.absPath(key)
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return apperrors.Classify("local.delete", err)
	}
	_ = os.Remove(path + ".meta.json")
	return nil
}

func (l *Local) Exists(ctx context.Context, key core.StorageKey) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, apperrors.New(apperrors.CodeCancelled, "local.exists", err)
	}
	_, err := os.Stat(l.absPath(key))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, apperrors.Classify("local.exists", err)
}

// WriteFileAtomic writes r to path through a temporary sibling file and a
// rename.  On any failure the temporary file is removed and path is left
// untouched.
func WriteFileAtomic(path string, r io.Reader, perm os.FileMode) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return apperrors.Classify("write.mkdir", err)
	}

	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return apperrors.Classify("write.create", err)
	}
	tmp := f.Name()
	defer func() {
		if err != nil {
			f.Close()
			os.Remove(tmp)
		}
	}()

	if _, err = io.Copy(f, r); err != nil {
		return apperrors.Wrap(apperrors.CodeIOFailure, "write.copy", err)
	}
	if err = f.Sync(); err != nil {
		return apperrors.Classify("write.sync", err)
	}
	if err = f.Chmod(perm); err != nil {
		return apperrors.Classify("write.chmod", err)
	}
	if err = f.Close(); err != nil {
		return apperrors.Classify("write.close", err)
	}
	if err = os.Rename(tmp, path); err != nil {
		return apperrors.Classify("write.rename", err)
	}
	return nil
}
