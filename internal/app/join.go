package app

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"github.com/petervdpas/formsync/internal/call"
	"github.com/petervdpas/formsync/internal/client"
	"github.com/petervdpas/formsync/internal/config"
	"github.com/petervdpas/formsync/internal/localsync"
	"github.com/petervdpas/formsync/internal/model"
	"github.com/petervdpas/formsync/internal/state"
)

type JoinOptions struct {
	ServerURL string
	SessionID string
	Name      string

	// Dir holds the file sync backend. Cfg supplies the client, sync and
	// call settings.
	Dir string
	Cfg config.Config

	// UseDevices captures the local camera and microphone for calls.
	UseDevices bool

	In  io.Reader
	Out io.Writer
}

// RunJoin runs a headless participant: it obtains an identity, joins the
// session and executes commands read from In until "quit", EOF or ctx ends.
func RunJoin(ctx context.Context, o JoinOptions) error {
	if o.In == nil {
		o.In = os.Stdin
	}
	if o.Out == nil {
		o.Out = os.Stdout
	}
	if o.Dir == "" {
		o.Dir = filepath.Join(os.TempDir(), "formsync")
	}

	api := client.NewAPI(o.ServerURL)
	id, err := api.Identify(ctx, o.Name)
	if err != nil {
		return fmt.Errorf("identify: %w", err)
	}

	backend, err := OpenSyncBackend(o.Dir, o.Cfg.Sync)
	if err != nil {
		return err
	}
	defer backend.Close()

	var media call.MediaSource = call.NoMedia{}
	if o.UseDevices {
		media = call.DeviceSource{}
	}

	eng := client.New(client.Options{
		Self:              model.Participant{ID: id.ParticipantID, Name: id.Name, Color: id.Color},
		Dial:              client.WSDialer(o.ServerURL, id.Token),
		Creator:           api,
		Backend:           backend,
		Media:             media,
		Peers:             &call.PionFactory{ICEServers: o.Cfg.Call.STUNURLs},
		ReconnectAttempts: o.Cfg.Client.ReconnectAttempts,
		ReconnectDelay:    o.Cfg.Client.ReconnectDelay(),
		Sync:              localsync.Options{Interval: o.Cfg.Sync.PollInterval(), Liveness: o.Cfg.Sync.Liveness()},
		Call:              call.Options{RetryAttempts: o.Cfg.Call.RetryAttempts, RetryBackoff: o.Cfg.Call.RetryBackoff()},
	})
	eng.Start(ctx)
	defer eng.Close()

	out := &syncWriter{w: o.Out}
	unsub := state.Select(eng.Store(), func(s client.State) client.Mode { return s.Mode },
		func(next, prev client.Mode) { out.Printf("· %s\n", next) })
	defer unsub()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case n := <-eng.Notices():
				out.Printf("! %s: %s\n", n.Kind, n.Text)
			}
		}
	}()

	if err := eng.Join(ctx, o.SessionID); err != nil {
		return err
	}
	log.Printf("CLIENT: %s joined as %s (%s)", o.SessionID, id.Name, id.ParticipantID)
	out.Printf("joined %s as %s. Type \"help\" for commands.\n", model.NormalizeSessionID(o.SessionID), id.Name)

	r := &repl{eng: eng, api: api, out: out}
	return r.run(ctx, o.In)
}
