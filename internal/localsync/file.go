package localsync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/petervdpas/formsync/internal/util"
)

// FileBackend keeps one JSON file per key in a directory shared by every
// instance on the machine.
type FileBackend struct {
	dir string

	mu      sync.Mutex
	written map[string][]byte // last bytes this instance wrote, per key
}

func NewFileBackend(dir string) (*FileBackend, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create sync dir: %w", err)
	}
	return &FileBackend{dir: dir, written: map[string][]byte{}}, nil
}

func (b *FileBackend) path(key string) string {
	return filepath.Join(b.dir, key+".json")
}

func (b *FileBackend) read(key string) ([]byte, error) {
	data, err := os.ReadFile(b.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	return data, err
}

func (b *FileBackend) write(key string, data []byte) error {
	b.mu.Lock()
	b.written[key] = data
	b.mu.Unlock()
	return util.WriteFileAtomic(b.path(key), data)
}

func (b *FileBackend) Load(_ context.Context, sessionID string) (Blob, error) {
	data, err := b.read(BlobKey(sessionID))
	if err != nil {
		return EmptyBlob(), fmt.Errorf("read blob: %w", err)
	}
	return decodeBlob(data)
}

func (b *FileBackend) Save(ctx context.Context, sessionID string, blob Blob) error {
	key := BlobKey(sessionID)
	unlock, err := b.lock(ctx, key)
	if err != nil {
		return err
	}
	defer unlock()

	cur, err := b.read(key)
	if err != nil {
		return fmt.Errorf("read blob: %w", err)
	}
	if storedRev(cur) != blob.Rev {
		return ErrConflict
	}
	blob.Rev++
	data, err := encodeBlob(blob)
	if err != nil {
		return err
	}
	return b.write(key, data)
}

// lockStale is how old a lock file may get before it is taken over. It
// covers an instance that died while holding it.
const lockStale = 2 * time.Second

// lock takes <key>.json.lock with O_EXCL so writers in other processes
// serialize their read-check-write.
func (b *FileBackend) lock(ctx context.Context, key string) (func(), error) {
	path := b.path(key) + ".lock"
	for {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			f.Close()
			return func() { os.Remove(path) }, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("lock blob: %w", err)
		}
		if info, err := os.Stat(path); err == nil && time.Since(info.ModTime()) > lockStale {
			log.Printf("SYNC: removing stale lock %s", filepath.Base(path))
			os.Remove(path)
			continue
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (b *FileBackend) SaveForm(_ context.Context, sessionID string, f SavedForm) error {
	return util.WriteJSONFile(b.path(FormKey(sessionID)), f)
}

func (b *FileBackend) LoadForm(_ context.Context, sessionID string) (SavedForm, error) {
	data, err := b.read(FormKey(sessionID))
	if err != nil {
		return SavedForm{}, fmt.Errorf("read saved form: %w", err)
	}
	if data == nil {
		return SavedForm{}, ErrFormNotFound
	}
	return decodeForm(data)
}

func (b *FileBackend) FormExists(_ context.Context, sessionID string) (bool, error) {
	_, err := os.Stat(b.path(FormKey(sessionID)))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return err == nil, err
}

// Watch uses fsnotify on the directory. A change whose content matches the
// last write from this instance is ignored.
func (b *FileBackend) Watch(ctx context.Context, sessionID string) (<-chan struct{}, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Add(b.dir); err != nil {
		w.Close()
		return nil, fmt.Errorf("watch %s: %w", b.dir, err)
	}

	key := BlobKey(sessionID)
	target := filepath.Base(b.path(key))
	out := newNotifier()

	go func() {
		defer close(out)
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) != target || !ev.Has(fsnotify.Write|fsnotify.Create) {
					continue
				}
				if b.isOwnWrite(key) {
					continue
				}
				out.signal()
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Printf("SYNC: watcher: %v", err)
			}
		}
	}()
	return out, nil
}

func (b *FileBackend) isOwnWrite(key string) bool {
	data, err := b.read(key)
	if err != nil {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return bytes.Equal(data, b.written[key])
}

func (b *FileBackend) Close() error { return nil }
