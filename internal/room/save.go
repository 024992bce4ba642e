package room

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/petervdpas/formsync/internal/model"
)

// saveQueue persists session snapshots off the request path. Pushing a
// session that is already queued replaces the queued copy, so a burst of
// edits costs one write.
type saveQueue struct {
	repo  Repository
	limit int

	mu      sync.Mutex
	pending map[string]model.Session
	order   []string
	wake    chan struct{}
}

func newSaveQueue(repo Repository, limit int) *saveQueue {
	return &saveQueue{
		repo:    repo,
		limit:   limit,
		pending: map[string]model.Session{},
		wake:    make(chan struct{}, 1),
	}
}

func (q *saveQueue) push(s model.Session) {
	q.mu.Lock()
	if _, queued := q.pending[s.ID]; !queued {
		if len(q.order) >= q.limit {
			q.mu.Unlock()
			log.Printf("ROOM [%s]: save queue full, dropping snapshot", s.ID)
			return
		}
		q.order = append(q.order, s.ID)
	}
	q.pending[s.ID] = s
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *saveQueue) take() []model.Session {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]model.Session, 0, len(q.order))
	for _, id := range q.order {
		out = append(out, q.pending[id])
	}
	q.order = q.order[:0]
	q.pending = map[string]model.Session{}
	return out
}

func (q *saveQueue) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			q.flush(context.Background())
			return
		case <-q.wake:
			q.flush(ctx)
		}
	}
}

func (q *saveQueue) flush(ctx context.Context) {
	for _, s := range q.take() {
		sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := q.repo.SaveSession(sctx, s); err != nil {
			log.Printf("ROOM [%s]: save: %v", s.ID, err)
		}
		cancel()
	}
}
