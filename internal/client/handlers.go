package client

import (
	"context"
	"errors"
	"fmt"
	"log"
	"maps"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/petervdpas/formsync/internal/localsync"
	"github.com/petervdpas/formsync/internal/model"
	"github.com/petervdpas/formsync/internal/proto"
)

// handle applies one server event. Runs on the loop.
func (e *Engine) handle(msg proto.Message) {
	switch msg.Type {
	case proto.TypeSessionSnapshot:
		if p, ok := decode[proto.SnapshotPayload](msg); ok {
			e.onSnapshot(p.Session)
		}
	case proto.TypeSessionError:
		if p, ok := decode[proto.ErrorPayload](msg); ok {
			e.onSessionError(p)
		}

	case proto.TypeParticipantJoined:
		if p, ok := decode[proto.ParticipantPayload](msg); ok {
			e.update(func(s *model.Session) { s.AddParticipant(p.Participant) })
		}
	case proto.TypeParticipantLeft:
		if p, ok := decode[proto.ParticipantPayload](msg); ok {
			e.update(func(s *model.Session) { s.RemoveParticipant(p.Participant.ID) })
			e.calls.Drop(p.Participant.ID)
		}
	case proto.TypePresenceUpdate:
		if p, ok := decode[proto.PresencePayload](msg); ok {
			e.update(func(s *model.Session) {
				s.Participants = append([]model.Participant(nil), p.Participants...)
			})
		}

	case proto.TypeLockGranted:
		if p, ok := decode[proto.LockPayload](msg); ok {
			e.update(func(s *model.Session) { s.FieldLocks[p.FieldID] = p.OwnedBy })
		}
	case proto.TypeLockDenied:
		if p, ok := decode[proto.LockPayload](msg); ok {
			e.update(func(s *model.Session) { s.FieldLocks[p.FieldID] = p.OwnedBy })
			e.notify(Notice{
				Kind:        NoticeLockDenied,
				FieldID:     p.FieldID,
				Participant: p.OwnedBy,
				Text:        (&model.LockDeniedError{FieldID: p.FieldID, OwnedBy: p.OwnedBy}).Error(),
			})
		}
	case proto.TypeFieldUnlocked:
		if p, ok := decode[proto.FieldPayload](msg); ok {
			e.update(func(s *model.Session) { delete(s.FieldLocks, p.FieldID) })
		}

	case proto.TypeFieldUpdated:
		if p, ok := decode[proto.UpdatePayload](msg); ok {
			e.onFieldUpdated(p)
		}

	case proto.TypeScreenshotAdded:
		if p, ok := decode[proto.ScreenshotPayload](msg); ok {
			e.update(func(s *model.Session) {
				for _, sh := range s.Screenshots {
					if sh.ID == p.Screenshot.ID {
						return
					}
				}
				s.AddScreenshot(p.Screenshot)
			})
		}
	case proto.TypeScreenshotRemoved:
		if p, ok := decode[proto.ScreenshotRefPayload](msg); ok {
			e.update(func(s *model.Session) {
				kept := s.Screenshots[:0]
				for _, sh := range s.Screenshots {
					if sh.ID != p.ScreenshotID {
						kept = append(kept, sh)
					}
				}
				s.Screenshots = kept
			})
		}
	case proto.TypeScreenshotDenied:
		p, _ := decode[proto.ErrorPayload](msg)
		e.notify(Notice{Kind: NoticeScreenshotDenied, Text: p.Message})

	case proto.TypeCallState:
		if p, ok := decode[proto.CallStatePayload](msg); ok {
			e.onCallState(p)
		}
	case proto.TypeOffer, proto.TypeAnswer, proto.TypeIceCandidate:
		if p, ok := decode[proto.SignalPayload](msg); ok {
			from := p.From
			if from == "" {
				from = msg.From
			}
			wasActive := e.calls.Active()
			e.calls.HandleSignal(msg.Type, from, p.Data)
			// An offer answered outside a call starts one; join its record.
			if !wasActive && e.calls.Active() && e.online() {
				if err := e.enterCall(); err != nil {
					log.Printf("CLIENT: join call after offer: %v", err)
				}
			}
		}

	case proto.TypeScreenshareStarted, proto.TypeScreenshareStopped:
		p, _ := decode[proto.ScreensharePayload](msg)
		from := p.From
		if from == "" {
			from = msg.From
		}
		e.notify(Notice{Kind: NoticeScreenshare, Participant: from, Text: msg.Type})

	case proto.TypeError:
		p, _ := decode[proto.ErrorPayload](msg)
		log.Printf("CLIENT: server error %s: %s", p.Code, p.Message)
		e.notify(Notice{Kind: NoticeError, Text: p.Message})

	default:
		log.Printf("CLIENT: ignoring %q", msg.Type)
	}
}

func decode[T any](msg proto.Message) (T, bool) {
	var v T
	if err := msg.Decode(&v); err != nil {
		log.Printf("CLIENT: bad %s payload: %v", msg.Type, err)
		return v, false
	}
	return v, true
}

// onSnapshot replaces the local session with the server's. Values edited
// while disconnected are kept and re-sent, as are local values the server
// has nothing for (a session recreated from its saved form starts empty).
// Locks held locally are requested again.
func (e *Engine) onSnapshot(sess model.Session) {
	sess.Normalize()
	cur := e.store.Get()
	self := cur.Self.ID

	carry := make(map[string]any, len(e.pending))
	maps.Copy(carry, e.pending)
	for f, v := range cur.Session.FieldData {
		if _, ok := carry[f]; ok || v == nil {
			continue
		}
		if sess.FieldData[f] == nil {
			carry[f] = v
		}
	}
	var resend []string
	for f, v := range carry {
		if !model.ValuesEqual(sess.FieldData[f], v) {
			sess.FieldData[f] = v
			resend = append(resend, f)
		}
	}
	sort.Strings(resend)

	var relock []string
	for f, owner := range cur.Session.FieldLocks {
		if owner != self {
			continue
		}
		switch now, ok := sess.LockOwner(f); {
		case !ok:
			sess.FieldLocks[f] = self
			relock = append(relock, f)
		case now != self:
			e.notify(Notice{Kind: NoticeLockLost, FieldID: f, Participant: now, Text: "field was taken while offline"})
		}
	}
	sort.Strings(relock)

	rejoinCall := e.calls.Active() && !sess.Call.Has(self)
	var callID string
	if rejoinCall {
		callID = uuid.NewString()
		if sess.Call != nil {
			callID = sess.Call.CallID
		}
		sess.StartCall(callID, self, time.Now())
	}

	e.pending = map[string]any{}
	e.createTried = false
	e.store.SetState(func(s State) State {
		s.Mode = ModeOnline
		s.Session = sess
		s.Err = ""
		return s
	})

	for _, f := range resend {
		_ = e.send(proto.TypeUpdateField, proto.UpdatePayload{FieldID: f, Value: sess.FieldData[f]})
	}
	for _, f := range relock {
		_ = e.send(proto.TypeLockField, proto.FieldPayload{FieldID: f})
	}
	if rejoinCall {
		_ = e.send(proto.TypeCallJoined, proto.CallPayload{CallID: callID})
	}
	e.saveForm(sess)
	log.Printf("CLIENT: joined %s (%d participant(s), %d pending value(s) re-sent)", sess.ID, len(sess.Participants), len(resend))
}

// onSessionError handles a rejected join. An unknown session is recreated
// from the saved form once; after that the engine gives up.
func (e *Engine) onSessionError(p proto.ErrorPayload) {
	if p.Code != proto.CodeNotFound {
		log.Printf("CLIENT: session error %s: %s", p.Code, p.Message)
		e.notify(Notice{Kind: NoticeError, Text: p.Message})
		return
	}

	cur := e.store.Get().Session
	if e.opts.Creator == nil || e.createTried {
		e.failJoin(cur.ID)
		return
	}
	e.createTried = true

	id := cur.ID
	creator, backend := e.opts.Creator, e.opts.Backend
	go func() {
		ctx, cancel := context.WithTimeout(e.ctx, 10*time.Second)
		defer cancel()
		err := recreate(ctx, creator, backend, id, cur)
		e.loop.Post(func() {
			if e.store.Get().Session.ID != id {
				return
			}
			if err != nil {
				log.Printf("CLIENT: recreate %s: %v", id, err)
				e.failJoin(id)
				return
			}
			log.Printf("CLIENT: recreated %s from saved form, rejoining", id)
			e.sendJoin()
		})
	}()
}

// recreate creates id on the server from the saved form, or from the local
// copy if it carries fields.
func recreate(ctx context.Context, creator SessionCreator, backend localsync.Backend, id string, local model.Session) error {
	saved, err := backend.LoadForm(ctx, id)
	switch {
	case err == nil:
		local = saved.Session
	case errors.Is(err, localsync.ErrFormNotFound):
		if len(local.Fields) == 0 {
			return fmt.Errorf("no saved form for %s", id)
		}
	default:
		return err
	}
	local.ID = id
	return creator.CreateSession(ctx, local)
}

func (e *Engine) failJoin(id string) {
	e.dropTransport()
	e.store.SetState(func(s State) State {
		s.Mode = ModeLeft
		s.Err = model.ErrSessionNotFound.Error()
		return s
	})
	e.notify(Notice{Kind: NoticeSessionNotFound, Text: fmt.Sprintf("session %s does not exist", id)})
	log.Printf("CLIENT: join %s failed: %v", id, model.ErrSessionNotFound)
}

func (e *Engine) onFieldUpdated(p proto.UpdatePayload) {
	self := e.store.Get().Self.ID
	e.update(func(s *model.Session) {
		owner, _ := s.LockOwner(p.FieldID)
		local, has := s.FieldData[p.FieldID]
		s.SetValue(p.FieldID, model.MergeFieldValue(local, p.Value, has && owner == self))
	})
}

func (e *Engine) onCallState(p proto.CallStatePayload) {
	prev := e.store.Get().Session.Call
	e.update(func(s *model.Session) { s.Call = p.Call.Clone() })
	if !e.calls.Active() {
		return
	}
	// Only peers that left the call are dropped. Offers go to participants
	// before they join, so absence alone means nothing.
	for _, st := range e.calls.Status() {
		if prev.Has(st.Remote) && !p.Call.Has(st.Remote) {
			e.calls.Drop(st.Remote)
		}
	}
}
