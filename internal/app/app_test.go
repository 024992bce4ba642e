package app

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/petervdpas/formsync/internal/client"
	"github.com/petervdpas/formsync/internal/config"
	"github.com/petervdpas/formsync/internal/model"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		line string
		cmd  string
		args []string
	}{
		{"", "", nil},
		{"# comment", "", nil},
		{"show", "show", nil},
		{"LOCK email", "lock", []string{"email"}},
		{"set comments  hello   world ", "set", []string{"comments", "hello   world"}},
	}
	for _, tt := range tests {
		cmd, args := parseCommand(tt.line)
		if cmd != tt.cmd || strings.Join(args, "|") != strings.Join(tt.args, "|") {
			t.Errorf("parseCommand(%q) = %q %q", tt.line, cmd, args)
		}
	}
}

func TestParseValue(t *testing.T) {
	if v := parseValue("true"); v != true {
		t.Errorf("true = %#v", v)
	}
	if v, ok := parseValue(`["a","b"]`).([]any); !ok || len(v) != 2 {
		t.Errorf("array = %#v", v)
	}
	if v := parseValue("[not json"); v != "[not json" {
		t.Errorf("broken array = %#v", v)
	}
	if v := parseValue("42"); v != "42" {
		t.Errorf("number = %#v", v)
	}
}

func TestRenderState(t *testing.T) {
	s := model.NewSession("AB12CD", "Feedback", "", []model.Field{{ID: "email", Type: "email"}, {ID: "name", Type: "text"}})
	s.AddParticipant(model.Participant{ID: "p1", Name: "Ada"})
	s.AddParticipant(model.Participant{ID: "p2", Name: "Bob"})
	s.SetValue("email", "a@b.c")
	s.TryLock("email", "p2")
	s.TryLock("name", "p1")

	out := renderState(client.State{Mode: client.ModeOnline, Self: model.Participant{ID: "p1"}, Session: s})
	for _, want := range []string{"AB12CD", "[online]", `"a@b.c"`, "locked by Bob", "locked by you", "present: Ada, Bob"} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in:\n%s", want, out)
		}
	}
}

func TestTemplateList(t *testing.T) {
	out := TemplateList()
	for _, tpl := range model.Templates() {
		if !strings.Contains(out, tpl.ID) {
			t.Errorf("missing %s", tpl.ID)
		}
	}
}

type lockedBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (l *lockedBuffer) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.b.Write(p)
}

func (l *lockedBuffer) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.b.String()
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Server.HTTPAddr = "127.0.0.1:0"
	cfg.Storage.DSN = "memory://"
	cfg.Sync.Backend = "memory"
	cfg.Auth.Secret = strings.Repeat("s", 32)
	cfg.Client.ReconnectDelayMs = 50
	return cfg
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func fetchSession(base, id string) (model.Session, bool) {
	resp, err := http.Get(base + "/api/v1/sessions/" + id)
	if err != nil {
		return model.Session{}, false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return model.Session{}, false
	}
	var s model.Session
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		return model.Session{}, false
	}
	return s, true
}

func TestServeAndJoin(t *testing.T) {
	cfg := testConfig(t)
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	addrCh := make(chan string, 1)
	runErr := make(chan error, 1)
	go func() {
		runErr <- Run(ctx, Options{Dir: dir, CfgPath: dir + "/formsync.json", Cfg: cfg, Ready: func(a string) { addrCh <- a }})
	}()

	var base string
	select {
	case a := <-addrCh:
		base = "http://" + a
	case err := <-runErr:
		t.Fatalf("server exited: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not start")
	}

	resp, err := http.Post(base+"/api/v1/sessions", "application/json", strings.NewReader(`{"sessionId":"AB12CD","templateId":"feedback"}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create = %d", resp.StatusCode)
	}

	in, feed := io.Pipe()
	out := &lockedBuffer{}
	joinErr := make(chan error, 1)
	go func() {
		joinErr <- RunJoin(ctx, JoinOptions{
			ServerURL: base,
			SessionID: "ab12cd",
			Name:      "Ada",
			Dir:       dir,
			Cfg:       cfg,
			In:        in,
			Out:       out,
		})
	}()

	waitUntil(t, "participant present", func() bool {
		s, ok := fetchSession(base, "AB12CD")
		return ok && len(s.Participants) == 1 && s.Participants[0].Name == "Ada"
	})

	io.WriteString(feed, "set email ada@example.com\nlock name\n")
	waitUntil(t, "value and lock on the server", func() bool {
		s, _ := fetchSession(base, "AB12CD")
		_, locked := s.LockOwner("name")
		return s.FieldData["email"] == "ada@example.com" && locked
	})

	io.WriteString(feed, "show\nquit\n")
	select {
	case err := <-joinErr:
		if err != nil {
			t.Fatalf("join: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("join did not quit")
	}
	if got := out.String(); !strings.Contains(got, "joined AB12CD as Ada") || !strings.Contains(got, "ada@example.com") {
		t.Errorf("output:\n%s", got)
	}

	waitUntil(t, "leave releases the lock", func() bool {
		s, _ := fetchSession(base, "AB12CD")
		_, locked := s.LockOwner("name")
		return len(s.Participants) == 0 && !locked
	})

	cancel()
	select {
	case err := <-runErr:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
