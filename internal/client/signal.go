package client

import (
	"encoding/json"
	"log"

	"github.com/petervdpas/formsync/internal/model"
	"github.com/petervdpas/formsync/internal/proto"
)

// signaler sends the call coordinator's negotiation messages through the
// room server. It may be called from pion callbacks, so the send is posted
// to the loop.
type signaler struct {
	e *Engine
}

func (s *signaler) SendSignal(typ, target string, data json.RawMessage) error {
	if !s.e.connected.Load() {
		return model.ErrTransportUnavailable
	}
	s.e.loop.Post(func() {
		if err := s.e.send(typ, proto.SignalPayload{Target: target, Data: data}); err != nil {
			log.Printf("CLIENT: %s to %s: %v", typ, target, err)
		}
	})
	return nil
}
