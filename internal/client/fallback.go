package client

import (
	"github.com/petervdpas/formsync/internal/localsync"
	"github.com/petervdpas/formsync/internal/model"
)

// fallbackHost connects the engine to the localsync syncer. While the
// server is reachable it is normative, so foreign fallback changes are only
// applied when the engine is not online. Our own state is always published.
type fallbackHost struct {
	e *Engine
}

func (h *fallbackHost) LocalView() localsync.Local {
	s := h.e.store.Get()
	if s.Mode == ModeIdle || s.Mode == ModeLeft {
		return localsync.Local{}
	}
	return localsync.Local{
		Self:         s.Self,
		Values:       s.Session.FieldData,
		Locks:        s.Session.FieldLocks,
		Screenshots:  s.Session.Screenshots,
		Participants: s.Session.Participants,
	}
}

func (h *fallbackHost) ApplyRemote(c localsync.Changes) {
	e := h.e
	if e.store.Get().Mode == ModeOnline {
		return
	}
	e.update(func(s *model.Session) {
		if c.Participants != nil {
			s.Participants = append([]model.Participant(nil), c.Participants...)
		}
		for _, l := range c.Locked {
			s.FieldLocks[l.FieldID] = l.OwnedBy
		}
		for _, f := range c.Unlocked {
			delete(s.FieldLocks, f)
		}
		for f, v := range c.Values {
			s.SetValue(f, v)
			// Written by another instance while the server was away: the
			// server still has to hear about it.
			e.pending[f] = v
		}
		if c.ScreenshotsChanged {
			s.Screenshots = append([]model.Screenshot(nil), c.Screenshots...)
		}
	})
}
