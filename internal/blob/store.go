// Package blob stores uploaded screenshot images. Sessions only keep the
// reference an upload returns.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// MaxSize bounds a single upload.
const MaxSize = 10 << 20

var (
	ErrNotFound        = errors.New("blob not found")
	ErrTooLarge        = errors.New("blob too large")
	ErrUnsupportedType = errors.New("unsupported content type")
)

var extensions = map[string]string{
	"image/png":  ".png",
	"image/jpeg": ".jpg",
	"image/webp": ".webp",
	"image/gif":  ".gif",
}

var nameRe = regexp.MustCompile(`^[0-9a-f-]{36}\.(png|jpg|webp|gif)$`)

// Store is where screenshot images go.
type Store interface {
	// Upload stores size bytes from r and returns the public reference.
	Upload(ctx context.Context, r io.Reader, size int64, contentType string) (string, error)
	// Open returns the blob stored under name with its content type.
	Open(ctx context.Context, name string) (io.ReadCloser, string, error)
}

// newName validates an upload and returns the object name it is stored as.
func newName(size int64, contentType string) (string, error) {
	if size > MaxSize {
		return "", ErrTooLarge
	}
	ct, _, _ := strings.Cut(contentType, ";")
	ext, ok := extensions[strings.TrimSpace(strings.ToLower(ct))]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedType, contentType)
	}
	return uuid.NewString() + ext, nil
}

// ValidName reports whether name could have been produced by an upload.
func ValidName(name string) bool {
	return nameRe.MatchString(name)
}

func contentTypeOf(name string) string {
	ext := path.Ext(name)
	for ct, e := range extensions {
		if e == ext {
			return ct
		}
	}
	return "application/octet-stream"
}

func ref(base, name string) string {
	return strings.TrimSuffix(base, "/") + "/" + name
}
