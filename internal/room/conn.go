package room

import (
	"context"
	"log"

	"github.com/petervdpas/formsync/internal/model"
	"github.com/petervdpas/formsync/internal/proto"
)

// Conn is the write side of one client connection. Send must not block:
// implementations queue the message and deliver it from their own writer.
type Conn interface {
	ID() string
	Send(msg proto.Message) error
	Close() error
}

// Stream adds the read side. Receive blocks until the next message or an
// error, which ends the connection.
type Stream interface {
	Conn
	Receive() (proto.Message, error)
}

// Identity is what the auth layer vouches for. When present it overrides
// the ids a client puts in its join payload.
type Identity struct {
	ParticipantID string
	Name          string
	Color         string
}

// client is the per-connection binding to a room.
type client struct {
	conn  Conn
	ident *Identity
	room  *room
	self  model.Participant
}

// ServeStream runs the read loop for s until it fails or ctx ends, then
// runs the disconnect path.
func (h *Hub) ServeStream(ctx context.Context, s Stream, ident *Identity) {
	c := &client{conn: s, ident: ident}
	h.register(s)
	log.Printf("ROOM: connection %s opened", s.ID())

	defer func() {
		h.unregister(s)
		if c.room != nil {
			c.room.disconnect(c)
		}
		s.Close()
		log.Printf("ROOM: connection %s closed", s.ID())
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msg, err := s.Receive()
		if err != nil {
			return
		}
		h.presence.Touch(s.ID())
		h.dispatch(ctx, c, msg)
	}
}

func (h *Hub) dispatch(ctx context.Context, c *client, msg proto.Message) {
	switch msg.Type {
	case proto.TypeJoin:
		var p proto.JoinPayload
		if err := msg.Decode(&p); err != nil {
			sendError(c.conn, msg.Session, proto.CodeBadRequest, err.Error())
			return
		}
		h.join(ctx, c, p)
		return
	}

	if c.room == nil {
		sendError(c.conn, msg.Session, proto.CodeNotJoined, "join a session first")
		return
	}
	r := c.room

	switch msg.Type {
	case proto.TypeLeave:
		r.disconnect(c)
		c.room = nil

	case proto.TypeLockField:
		var p proto.FieldPayload
		if decodeOrReject(c, msg, &p) && p.FieldID != "" {
			r.lockField(c, p.FieldID)
		}
	case proto.TypeUnlockField:
		var p proto.FieldPayload
		if decodeOrReject(c, msg, &p) && p.FieldID != "" {
			r.unlockField(c, p.FieldID)
		}
	case proto.TypeUpdateField:
		var p proto.UpdatePayload
		if decodeOrReject(c, msg, &p) && p.FieldID != "" {
			r.updateField(c, p.FieldID, p.Value)
		}

	case proto.TypeAddScreenshot:
		var p proto.ScreenshotPayload
		if decodeOrReject(c, msg, &p) {
			r.addScreenshot(c, p.Screenshot)
		}
	case proto.TypeRemoveScreenshot:
		var p proto.ScreenshotRefPayload
		if decodeOrReject(c, msg, &p) {
			r.removeScreenshot(c, p.ScreenshotID)
		}

	case proto.TypeCallStarted, proto.TypeCallJoined, proto.TypeCallLeft:
		var p proto.CallPayload
		if len(msg.Payload) > 0 && !decodeOrReject(c, msg, &p) {
			return
		}
		r.callEvent(c, msg.Type, p)

	case proto.TypeOffer, proto.TypeAnswer, proto.TypeIceCandidate:
		var p proto.SignalPayload
		if decodeOrReject(c, msg, &p) {
			r.forwardSignal(c, msg.Type, p)
		}

	case proto.TypeScreenshareStarted, proto.TypeScreenshareStopped:
		var p proto.ScreensharePayload
		if len(msg.Payload) > 0 && !decodeOrReject(c, msg, &p) {
			return
		}
		r.relayScreenshare(c, msg.Type, p)

	default:
		sendError(c.conn, r.id, proto.CodeUnknown, "unknown message type "+msg.Type)
	}
}

func decodeOrReject(c *client, msg proto.Message, v any) bool {
	if err := msg.Decode(v); err != nil {
		sendError(c.conn, msg.Session, proto.CodeBadRequest, err.Error())
		return false
	}
	return true
}

func send(conn Conn, typ, session, from string, payload any) {
	msg, err := proto.New(typ, session, payload)
	if err != nil {
		log.Printf("ROOM: encode %s: %v", typ, err)
		return
	}
	msg.From = from
	if err := conn.Send(msg); err != nil {
		log.Printf("ROOM: send %s to %s: %v", typ, conn.ID(), err)
	}
}

func sendError(conn Conn, session, code, message string) {
	send(conn, proto.TypeError, session, "", proto.ErrorPayload{Code: code, Message: message})
}
