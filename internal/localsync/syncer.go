package localsync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/petervdpas/formsync/internal/model"
	"github.com/petervdpas/formsync/internal/state"
)

const (
	DefaultInterval = 100 * time.Millisecond
	DefaultLiveness = 3 * time.Second

	// saveAttempts bounds how often one cycle reloads after losing a write
	// race.
	saveAttempts = 5
)

// Local is this instance's view of the session, read at the start of a
// cycle.
type Local struct {
	Self         model.Participant
	Values       map[string]any
	Locks        map[string]string
	Screenshots  []model.Screenshot
	Participants []model.Participant
}

// Changes is what other instances wrote since the previous cycle.
type Changes struct {
	Participants       []model.Participant // nil when unchanged
	Locked             []model.FieldLock
	Unlocked           []string
	Values             map[string]any
	Screenshots        []model.Screenshot
	ScreenshotsChanged bool
}

func (c Changes) Empty() bool {
	return c.Participants == nil && len(c.Locked) == 0 && len(c.Unlocked) == 0 &&
		len(c.Values) == 0 && !c.ScreenshotsChanged
}

// Host is the client side of the syncer. Both methods are called on the
// loop.
type Host interface {
	LocalView() Local
	ApplyRemote(Changes)
}

type Options struct {
	Interval time.Duration
	Liveness time.Duration
}

// Syncer runs the fallback cycle for one session at a time. Cycles are
// posted to the client loop; the ticker and the backend watcher only
// schedule them.
type Syncer struct {
	backend Backend
	loop    *state.Loop
	host    Host
	opts    Options
	now     func() time.Time

	// loop-owned
	known      map[string]any
	knownShots map[string]bool

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func New(backend Backend, loop *state.Loop, host Host, opts Options) *Syncer {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Liveness <= 0 {
		opts.Liveness = DefaultLiveness
	}
	return &Syncer{
		backend:    backend,
		loop:       loop,
		host:       host,
		opts:       opts,
		now:        time.Now,
		known:      map[string]any{},
		knownShots: map[string]bool{},
	}
}

func (s *Syncer) Backend() Backend { return s.backend }

// Start begins syncing sessionID, stopping any previous session first. If
// the backend cannot watch, the syncer still polls.
func (s *Syncer) Start(ctx context.Context, sessionID string) {
	s.Stop()

	ctx, cancel := context.WithCancel(ctx)
	watch, err := s.backend.Watch(ctx, sessionID)
	if err != nil {
		log.Printf("SYNC: watch unavailable, polling only: %v", err)
	}
	done := make(chan struct{})

	s.mu.Lock()
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()

	s.loop.Post(func() {
		s.known = map[string]any{}
		s.knownShots = map[string]bool{}
	})
	s.schedule(ctx, sessionID)

	go func() {
		defer close(done)
		t := time.NewTicker(s.opts.Interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				s.schedule(ctx, sessionID)
			case _, ok := <-watch:
				if !ok {
					watch = nil
					continue
				}
				s.schedule(ctx, sessionID)
			}
		}
	}()
	log.Printf("SYNC: started for %s every %s", sessionID, s.opts.Interval)
}

// Stop cancels the ticker and detaches the watcher. Safe to call when not
// running.
func (s *Syncer) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	log.Printf("SYNC: stopped")
}

func (s *Syncer) schedule(ctx context.Context, sessionID string) {
	s.loop.PostCoalesced("localsync", func() {
		if ctx.Err() != nil {
			return
		}
		s.cycle(ctx, sessionID)
	})
}

// cycle merges the local view into the shared blob, persists it and hands
// foreign changes to the host. A save that loses to a concurrent writer is
// retried on a fresh load. Runs on the loop.
func (s *Syncer) cycle(ctx context.Context, sessionID string) {
	local := s.host.LocalView()
	if local.Self.ID == "" {
		return
	}
	for attempt := 1; ; attempt++ {
		changes, err := s.merge(ctx, sessionID, local)
		if err == nil {
			if !changes.Empty() {
				s.host.ApplyRemote(changes)
			}
			return
		}
		if !errors.Is(err, ErrConflict) || attempt == saveAttempts {
			log.Printf("SYNC: %s: %v", sessionID, err)
			return
		}
	}
}

// merge runs one load, merge and save. The known-value bookkeeping is only
// kept when the save lands, so anything not written is written again on the
// next attempt.
func (s *Syncer) merge(ctx context.Context, sessionID string, local Local) (Changes, error) {
	now := s.now()
	blob, err := s.backend.Load(ctx, sessionID)
	if err != nil {
		return Changes{}, fmt.Errorf("load: %w", err)
	}
	known, knownShots := maps.Clone(s.known), maps.Clone(s.knownShots)

	s.mergePresence(&blob, local.Self, now)
	s.mergeLocks(&blob, local)
	changes := Changes{Values: map[string]any{}}
	s.mergeValues(&blob, local, &changes)
	s.mergeScreenshots(&blob, local, &changes)
	diffLocks(&blob, local, &changes)
	diffParticipants(&blob, local, &changes)

	blob.UpdatedAt = now.UnixMilli()
	if err := s.backend.Save(ctx, sessionID, blob); err != nil {
		s.known, s.knownShots = known, knownShots
		return Changes{}, fmt.Errorf("save: %w", err)
	}
	return changes, nil
}

// mergePresence refreshes our heartbeat and drops participants not seen
// within the liveness window, together with their locks.
func (s *Syncer) mergePresence(b *Blob, self model.Participant, now time.Time) {
	b.Participants[self.ID] = BlobParticipant{Participant: self, LastSeen: now.UnixMilli()}

	cutoff := now.Add(-s.opts.Liveness).UnixMilli()
	for id, p := range b.Participants {
		if id != self.ID && p.LastSeen < cutoff {
			delete(b.Participants, id)
		}
	}
	active := b.ActiveSet()
	for f, owner := range b.FieldLocks {
		if model.IsLockStale(model.FieldLock{FieldID: f, OwnedBy: owner}, active) {
			delete(b.FieldLocks, f)
		}
	}
}

// mergeLocks publishes our locks and withdraws the ones we released. A lock
// another live participant already holds in the blob is left alone.
func (s *Syncer) mergeLocks(b *Blob, local Local) {
	self := local.Self.ID
	for f, owner := range b.FieldLocks {
		if owner == self && local.Locks[f] != self {
			delete(b.FieldLocks, f)
		}
	}
	for f, owner := range local.Locks {
		if owner != self {
			continue
		}
		if cur, ok := b.FieldLocks[f]; ok && cur != self {
			continue
		}
		b.FieldLocks[f] = self
	}
}

// mergeValues writes fields that changed locally since the last cycle and
// collects fields another instance changed. A field we hold the lock on
// keeps our value.
func (s *Syncer) mergeValues(b *Blob, local Local, changes *Changes) {
	self := local.Self.ID
	for f, v := range local.Values {
		if prev, ok := s.known[f]; ok && model.ValuesEqual(prev, v) {
			continue
		}
		b.FieldValues[f] = v
		s.known[f] = v
	}

	for f, remote := range b.FieldValues {
		if prev, ok := s.known[f]; ok && model.ValuesEqual(prev, remote) {
			continue
		}
		lv, hasLocal := local.Values[f]
		owned := hasLocal && local.Locks[f] == self
		merged := model.MergeFieldValue(lv, remote, owned)
		if owned {
			b.FieldValues[f] = merged
			s.known[f] = merged
			continue
		}
		s.known[f] = remote
		if !hasLocal || !model.ValuesEqual(lv, remote) {
			changes.Values[f] = merged
		}
	}
}

func (s *Syncer) mergeScreenshots(b *Blob, local Local, changes *Changes) {
	localIDs := make(map[string]bool, len(local.Screenshots))
	for _, sh := range local.Screenshots {
		localIDs[sh.ID] = true
	}
	inBlob := make(map[string]bool, len(b.Screenshots))
	kept := b.Screenshots[:0]
	for _, sh := range b.Screenshots {
		// Known to us but gone locally: removed here.
		if s.knownShots[sh.ID] && !localIDs[sh.ID] {
			continue
		}
		kept = append(kept, sh)
		inBlob[sh.ID] = true
	}
	b.Screenshots = kept
	for _, sh := range local.Screenshots {
		if !inBlob[sh.ID] && !s.knownShots[sh.ID] {
			b.Screenshots = append(b.Screenshots, sh)
			inBlob[sh.ID] = true
		}
	}
	if n := len(b.Screenshots); n > model.MaxScreenshots {
		b.Screenshots = append([]model.Screenshot(nil), b.Screenshots[n-model.MaxScreenshots:]...)
	}

	s.knownShots = make(map[string]bool, len(b.Screenshots))
	for _, sh := range b.Screenshots {
		s.knownShots[sh.ID] = true
	}
	if !sameScreenshots(b.Screenshots, local.Screenshots) {
		changes.Screenshots = append([]model.Screenshot(nil), b.Screenshots...)
		changes.ScreenshotsChanged = true
	}
}

func diffLocks(b *Blob, local Local, changes *Changes) {
	self := local.Self.ID
	for f, owner := range b.FieldLocks {
		if owner != self && local.Locks[f] != owner {
			changes.Locked = append(changes.Locked, model.FieldLock{FieldID: f, OwnedBy: owner})
		}
	}
	for f, owner := range local.Locks {
		if owner == self {
			continue
		}
		if _, ok := b.FieldLocks[f]; !ok {
			changes.Unlocked = append(changes.Unlocked, f)
		}
	}
	sort.Slice(changes.Locked, func(i, j int) bool { return changes.Locked[i].FieldID < changes.Locked[j].FieldID })
	sort.Strings(changes.Unlocked)
}

func diffParticipants(b *Blob, local Local, changes *Changes) {
	list := make([]model.Participant, 0, len(b.Participants))
	for _, p := range b.Participants {
		list = append(list, p.Participant)
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].JoinedAt != list[j].JoinedAt {
			return list[i].JoinedAt < list[j].JoinedAt
		}
		return list[i].ID < list[j].ID
	})
	if !sameParticipants(list, local.Participants) {
		changes.Participants = list
	}
}

func sameParticipants(a, b []model.Participant) bool {
	if len(a) != len(b) {
		return false
	}
	byID := make(map[string]model.Participant, len(b))
	for _, p := range b {
		byID[p.ID] = p
	}
	for _, p := range a {
		q, ok := byID[p.ID]
		if !ok || q.Name != p.Name || q.Color != p.Color {
			return false
		}
	}
	return true
}

func sameScreenshots(a, b []model.Screenshot) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].ID != b[i].ID {
			return false
		}
	}
	return true
}
