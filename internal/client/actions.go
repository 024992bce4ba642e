package client

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/petervdpas/formsync/internal/model"
	"github.com/petervdpas/formsync/internal/proto"
)

var errNoSession = errors.New("not in a session")

// do runs fn on the loop and returns its error.
func (e *Engine) do(ctx context.Context, fn func() error) error {
	var err error
	if derr := e.loop.Do(ctx, func() { err = fn() }); derr != nil {
		return derr
	}
	return err
}

func (e *Engine) inSession() bool {
	m := e.store.Get().Mode
	return m != ModeIdle && m != ModeLeft
}

// SetField stores value locally and propagates it. While the server is
// unreachable the value is kept for the fallback and re-sent after the
// next snapshot. Locks are advisory: no lock is needed to write.
func (e *Engine) SetField(ctx context.Context, fieldID string, value any) error {
	return e.do(ctx, func() error {
		if !e.inSession() {
			return errNoSession
		}
		e.update(func(s *model.Session) { s.SetValue(fieldID, value) })
		if e.online() && e.send(proto.TypeUpdateField, proto.UpdatePayload{FieldID: fieldID, Value: value}) == nil {
			delete(e.pending, fieldID)
			return nil
		}
		e.pending[fieldID] = value
		return nil
	})
}

// LockField claims fieldID. It fails with a *model.LockDeniedError if the
// local view already shows another owner; otherwise the lock is applied
// optimistically and the server's answer settles it.
func (e *Engine) LockField(ctx context.Context, fieldID string) error {
	return e.do(ctx, func() error {
		if !e.inSession() {
			return errNoSession
		}
		self := e.store.Get().Self.ID
		if owner, ok := e.store.Get().LockOwner(fieldID); ok && owner != self {
			return &model.LockDeniedError{FieldID: fieldID, OwnedBy: owner}
		}
		e.update(func(s *model.Session) { s.TryLock(fieldID, self) })
		if e.online() {
			_ = e.send(proto.TypeLockField, proto.FieldPayload{FieldID: fieldID})
		}
		return nil
	})
}

// UnlockField releases fieldID if this participant holds it.
func (e *Engine) UnlockField(ctx context.Context, fieldID string) error {
	return e.do(ctx, func() error {
		if !e.inSession() {
			return errNoSession
		}
		self := e.store.Get().Self.ID
		if owner, ok := e.store.Get().LockOwner(fieldID); !ok || owner != self {
			return nil
		}
		e.update(func(s *model.Session) { s.Unlock(fieldID, self) })
		if e.online() {
			_ = e.send(proto.TypeUnlockField, proto.FieldPayload{FieldID: fieldID})
		}
		return nil
	})
}

// AddScreenshot records an uploaded image. imageRef is what the blob
// upload returned.
func (e *Engine) AddScreenshot(ctx context.Context, imageRef string) (model.Screenshot, error) {
	var shot model.Screenshot
	err := e.do(ctx, func() error {
		if !e.inSession() {
			return errNoSession
		}
		if imageRef == "" {
			return errors.New("image reference is empty")
		}
		self := e.store.Get().Self
		shot = model.Screenshot{
			ID:              uuid.NewString(),
			ImageRef:        imageRef,
			ParticipantID:   self.ID,
			ParticipantName: self.Name,
			Timestamp:       time.Now().UnixMilli(),
		}
		e.update(func(s *model.Session) { s.AddScreenshot(shot) })
		if e.online() {
			_ = e.send(proto.TypeAddScreenshot, proto.ScreenshotPayload{Screenshot: shot})
		}
		return nil
	})
	return shot, err
}

// RemoveScreenshot deletes one of this participant's screenshots.
func (e *Engine) RemoveScreenshot(ctx context.Context, id string) error {
	return e.do(ctx, func() error {
		if !e.inSession() {
			return errNoSession
		}
		self := e.store.Get().Self.ID
		probe := e.store.Get().Session.Clone()
		if err := probe.RemoveScreenshot(id, self); err != nil {
			return err
		}
		e.update(func(s *model.Session) { _ = s.RemoveScreenshot(id, self) })
		if e.online() {
			_ = e.send(proto.TypeRemoveScreenshot, proto.ScreenshotRefPayload{ScreenshotID: id})
		}
		return nil
	})
}

// StartCall starts the session call, or joins it if one is running, and
// offers to every other participant present in the session. Without
// capture devices the call runs receive-only.
func (e *Engine) StartCall(ctx context.Context) error {
	if e.calls.Active() {
		return nil
	}
	var others []string
	err := e.do(ctx, func() error {
		if !e.online() {
			return model.ErrTransportUnavailable
		}
		cur := e.store.Get()
		for _, p := range cur.Session.Participants {
			if p.ID != cur.Self.ID {
				others = append(others, p.ID)
			}
		}
		return e.enterCall()
	})
	if err != nil {
		return err
	}

	if err := e.calls.Start(ctx, others); err != nil {
		log.Printf("CLIENT: call start: %v", err)
		_ = e.do(context.Background(), func() error {
			self := e.store.Get().Self.ID
			e.update(func(s *model.Session) { s.LeaveCall(self) })
			return e.send(proto.TypeCallLeft, proto.CallPayload{})
		})
		return err
	}
	return nil
}

// enterCall adds self to the local call record and announces it: started
// when no call is known, joined otherwise. Runs on the loop.
func (e *Engine) enterCall() error {
	self := e.store.Get().Self.ID
	typ := proto.TypeCallJoined
	if e.store.Get().Session.Call == nil {
		typ = proto.TypeCallStarted
	}
	var c *model.Call
	e.update(func(s *model.Session) { c = s.StartCall(uuid.NewString(), self, time.Now()).Clone() })
	return e.send(typ, proto.CallPayload{CallID: c.CallID})
}

// LeaveCall ends local media and leaves the session call.
func (e *Engine) LeaveCall(ctx context.Context) error {
	e.calls.End()
	return e.do(ctx, func() error {
		self := e.store.Get().Self.ID
		if !e.store.Get().Session.Call.Has(self) {
			return nil
		}
		var cid string
		e.update(func(s *model.Session) {
			cid = s.Call.CallID
			s.LeaveCall(self)
		})
		if e.online() {
			return e.send(proto.TypeCallLeft, proto.CallPayload{CallID: cid})
		}
		return nil
	})
}

// ToggleAudio mutes or unmutes local audio. Returns true when muted.
func (e *Engine) ToggleAudio() bool { return e.calls.ToggleAudio() }

// ToggleVideo disables or enables local video. Returns true when disabled.
func (e *Engine) ToggleVideo() bool { return e.calls.ToggleVideo() }

// Screenshare announces that a screen share stream started or stopped.
func (e *Engine) Screenshare(ctx context.Context, streamID string, on bool) error {
	typ := proto.TypeScreenshareStopped
	if on {
		typ = proto.TypeScreenshareStarted
	}
	return e.do(ctx, func() error {
		if !e.online() {
			return model.ErrTransportUnavailable
		}
		return e.send(typ, proto.ScreensharePayload{StreamID: streamID})
	})
}
