package client

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/petervdpas/formsync/internal/proto"
	"github.com/petervdpas/formsync/internal/room"
	"github.com/petervdpas/formsync/internal/util"
)

// Transport is one connection on the authoritative channel. Send must not
// block; Receive is only called from the engine's read goroutine.
type Transport interface {
	Send(proto.Message) error
	Receive() (proto.Message, error)
	Close() error
}

// Dialer opens a new Transport. The engine calls it on every connect and
// reconnect attempt.
type Dialer func(ctx context.Context) (Transport, error)

// WSDialer dials the server's /ws endpoint. serverURL may be http(s) or
// ws(s); token is the participant token from POST /api/v1/participants.
func WSDialer(serverURL, token string) Dialer {
	return func(ctx context.Context) (Transport, error) {
		u, err := wsURL(serverURL, token)
		if err != nil {
			return nil, err
		}
		ctx, cancel := context.WithTimeout(ctx, util.DefaultConnectTimeout)
		defer cancel()

		ws, resp, err := websocket.DefaultDialer.DialContext(ctx, u, nil)
		if err != nil {
			if resp != nil {
				return nil, fmt.Errorf("dial %s: %w (status %d)", redact(u), err, resp.StatusCode)
			}
			return nil, fmt.Errorf("dial %s: %w", redact(u), err)
		}
		return room.NewWSConn(ws, nil), nil
	}
}

func wsURL(serverURL, token string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(serverURL))
	if err != nil {
		return "", fmt.Errorf("server url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("server url: unsupported scheme %q", u.Scheme)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/ws"
	}
	q := u.Query()
	if token != "" {
		q.Set("token", token)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func redact(u string) string {
	if i := strings.Index(u, "token="); i >= 0 {
		return u[:i] + "token=…"
	}
	return u
}

// httpURL maps a ws(s) server address back to http(s) for REST calls.
func httpURL(serverURL string) string {
	s := strings.TrimRight(strings.TrimSpace(serverURL), "/")
	switch {
	case strings.HasPrefix(s, "ws://"):
		s = "http://" + strings.TrimPrefix(s, "ws://")
	case strings.HasPrefix(s, "wss://"):
		s = "https://" + strings.TrimPrefix(s, "wss://")
	}
	return strings.TrimSuffix(s, "/ws")
}
