package localsync

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// MemoryHub is an in-process store shared by several MemoryBackends. It
// stands in for a shared directory or Redis when all instances live in one
// process.
type MemoryHub struct {
	mu       sync.Mutex
	data     map[string][]byte
	watchers map[string][]memWatcher
}

type memWatcher struct {
	origin string
	out    notifier
	ctx    context.Context
}

func NewMemoryHub() *MemoryHub {
	return &MemoryHub{
		data:     map[string][]byte{},
		watchers: map[string][]memWatcher{},
	}
}

// Backend returns a new view of the hub with its own origin.
func (h *MemoryHub) Backend() *MemoryBackend {
	return &MemoryBackend{hub: h, origin: uuid.NewString()}
}

func (h *MemoryHub) get(key string) []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.data[key]
}

func (h *MemoryHub) put(key, origin string, data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.putLocked(key, origin, data)
}

// putIf stores data only while the stored blob is still at revision expect.
func (h *MemoryHub) putIf(key, origin string, expect int64, data []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if storedRev(h.data[key]) != expect {
		return ErrConflict
	}
	h.putLocked(key, origin, data)
	return nil
}

func (h *MemoryHub) putLocked(key, origin string, data []byte) {
	h.data[key] = data

	live := h.watchers[key][:0]
	for _, w := range h.watchers[key] {
		if w.ctx.Err() != nil {
			close(w.out)
			continue
		}
		live = append(live, w)
		if w.origin != origin {
			w.out.signal()
		}
	}
	h.watchers[key] = live
}

func (h *MemoryHub) watch(ctx context.Context, key, origin string) notifier {
	out := newNotifier()
	h.mu.Lock()
	h.watchers[key] = append(h.watchers[key], memWatcher{origin: origin, out: out, ctx: ctx})
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.mu.Lock()
		defer h.mu.Unlock()
		ws := h.watchers[key]
		for i, w := range ws {
			if w.out == out {
				close(out)
				h.watchers[key] = append(ws[:i], ws[i+1:]...)
				return
			}
		}
	}()
	return out
}

// MemoryBackend is one instance's handle on a MemoryHub.
type MemoryBackend struct {
	hub    *MemoryHub
	origin string
}

// NewMemoryBackend returns a backend on a private hub.
func NewMemoryBackend() *MemoryBackend {
	return NewMemoryHub().Backend()
}

func (b *MemoryBackend) Load(_ context.Context, sessionID string) (Blob, error) {
	return decodeBlob(b.hub.get(BlobKey(sessionID)))
}

func (b *MemoryBackend) Save(_ context.Context, sessionID string, blob Blob) error {
	expect := blob.Rev
	blob.Rev++
	data, err := encodeBlob(blob)
	if err != nil {
		return err
	}
	return b.hub.putIf(BlobKey(sessionID), b.origin, expect, data)
}

func (b *MemoryBackend) Watch(ctx context.Context, sessionID string) (<-chan struct{}, error) {
	return b.hub.watch(ctx, BlobKey(sessionID), b.origin), nil
}

func (b *MemoryBackend) SaveForm(_ context.Context, sessionID string, f SavedForm) error {
	data, err := jsonBytes(f)
	if err != nil {
		return err
	}
	b.hub.put(FormKey(sessionID), b.origin, data)
	return nil
}

func (b *MemoryBackend) LoadForm(_ context.Context, sessionID string) (SavedForm, error) {
	data := b.hub.get(FormKey(sessionID))
	if data == nil {
		return SavedForm{}, ErrFormNotFound
	}
	return decodeForm(data)
}

func (b *MemoryBackend) FormExists(_ context.Context, sessionID string) (bool, error) {
	return b.hub.get(FormKey(sessionID)) != nil, nil
}

func (b *MemoryBackend) Close() error { return nil }
