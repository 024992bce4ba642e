package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
)

// Local keeps blobs as files in one directory and serves them under
// publicBase (by default /blobs).
type Local struct {
	dir        string
	publicBase string
}

func NewLocal(dir, publicBase string) (*Local, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create blob dir: %w", err)
	}
	if publicBase == "" {
		publicBase = "/blobs"
	}
	return &Local{dir: dir, publicBase: publicBase}, nil
}

func (l *Local) Upload(_ context.Context, r io.Reader, size int64, contentType string) (string, error) {
	name, err := newName(size, contentType)
	if err != nil {
		return "", err
	}

	tmp, err := os.CreateTemp(l.dir, ".upload-*")
	if err != nil {
		return "", fmt.Errorf("create blob: %w", err)
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, io.LimitReader(r, MaxSize+1))
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", fmt.Errorf("write blob: %w", err)
	}
	if n > MaxSize {
		return "", ErrTooLarge
	}
	if err := os.Rename(tmp.Name(), filepath.Join(l.dir, name)); err != nil {
		return "", fmt.Errorf("store blob: %w", err)
	}

	log.Printf("BLOB: stored %s (%d bytes)", name, n)
	return ref(l.publicBase, name), nil
}

func (l *Local) Open(_ context.Context, name string) (io.ReadCloser, string, error) {
	if !ValidName(name) {
		return nil, "", ErrNotFound
	}
	f, err := os.Open(filepath.Join(l.dir, name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, "", ErrNotFound
	}
	if err != nil {
		return nil, "", err
	}
	return f, contentTypeOf(name), nil
}
