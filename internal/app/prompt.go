// internal/app/prompt.go
package app

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/petervdpas/formsync/internal/client"
	"github.com/petervdpas/formsync/internal/model"
)

const replHelp = `commands:
  set <field> <value>   update a field (JSON arrays and true/false are decoded)
  lock <field>          lock a field for editing
  unlock <field>        release a lock
  show                  print the form
  shot <file>           upload an image and add it as a screenshot
  call | hangup         join or leave the call
  reconnect             retry the server connection
  quit                  leave the session`

// errQuit ends the command loop.
var errQuit = errors.New("quit")

type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Printf(format string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.w, format, args...)
}

type repl struct {
	eng *client.Engine
	api *client.API
	out *syncWriter
}

func (r *repl) run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			cmd, args := parseCommand(line)
			if cmd == "" {
				continue
			}
			err := r.exec(ctx, cmd, args)
			if errors.Is(err, errQuit) {
				return nil
			}
			if err != nil {
				r.out.Printf("error: %v\n", err)
			}
		}
	}
}

// parseCommand splits "set email a b" into ("set", ["email", "a b"]). Only
// the first argument is split off; the rest is kept as one value.
func parseCommand(line string) (string, []string) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return "", nil
	}
	cmd, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)
	if rest == "" {
		return strings.ToLower(cmd), nil
	}
	first, value, ok := strings.Cut(rest, " ")
	if !ok {
		return strings.ToLower(cmd), []string{first}
	}
	return strings.ToLower(cmd), []string{first, strings.TrimSpace(value)}
}

// parseValue decodes JSON arrays and booleans so checkbox-style fields can
// be set from the prompt. Everything else is a string.
func parseValue(s string) any {
	if s == "true" || s == "false" || strings.HasPrefix(s, "[") {
		var v any
		if err := json.Unmarshal([]byte(s), &v); err == nil {
			return v
		}
	}
	return s
}

func (r *repl) exec(ctx context.Context, cmd string, args []string) error {
	need := func(n int) error {
		if len(args) < n {
			return fmt.Errorf("%s needs %d argument(s); see help", cmd, n)
		}
		return nil
	}

	switch cmd {
	case "help", "?":
		r.out.Printf("%s\n", replHelp)
	case "set":
		if err := need(2); err != nil {
			return err
		}
		return r.eng.SetField(ctx, args[0], parseValue(args[1]))
	case "lock":
		if err := need(1); err != nil {
			return err
		}
		return r.eng.LockField(ctx, args[0])
	case "unlock":
		if err := need(1); err != nil {
			return err
		}
		return r.eng.UnlockField(ctx, args[0])
	case "show":
		r.out.Printf("%s", renderState(r.eng.State()))
	case "shot":
		if err := need(1); err != nil {
			return err
		}
		return r.screenshot(ctx, args[0])
	case "call":
		return r.eng.StartCall(ctx)
	case "hangup":
		return r.eng.LeaveCall(ctx)
	case "reconnect":
		r.eng.Reconnect()
	case "quit", "exit":
		return errQuit
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
	return nil
}

func (r *repl) screenshot(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	ct := mime.TypeByExtension(strings.ToLower(filepath.Ext(path)))
	ref, err := r.api.UploadScreenshot(ctx, f, filepath.Base(path), ct)
	if err != nil {
		return err
	}
	shot, err := r.eng.AddScreenshot(ctx, ref)
	if err != nil {
		return err
	}
	r.out.Printf("screenshot %s -> %s\n", shot.ID, ref)
	return nil
}

// renderState prints the form with values, lock owners and presence.
func renderState(s client.State) string {
	var b strings.Builder
	sess := s.Session
	fmt.Fprintf(&b, "%s  %s  [%s]\n", sess.ID, sess.Title, s.Mode)
	if s.Err != "" {
		fmt.Fprintf(&b, "  error: %s\n", s.Err)
	}

	names := map[string]string{}
	for _, p := range sess.Participants {
		names[p.ID] = p.Name
	}
	for _, f := range sess.Fields {
		v, _ := json.Marshal(sess.FieldData[f.ID])
		line := fmt.Sprintf("  %-16s %s", f.ID, v)
		if owner, ok := sess.LockOwner(f.ID); ok {
			who := names[owner]
			if who == "" {
				who = owner
			}
			if owner == s.Self.ID {
				who = "you"
			}
			line += "  (locked by " + who + ")"
		}
		b.WriteString(line + "\n")
	}

	people := make([]string, 0, len(sess.Participants))
	for _, p := range sess.Participants {
		people = append(people, p.Name)
	}
	sort.Strings(people)
	fmt.Fprintf(&b, "  present: %s\n", strings.Join(people, ", "))
	if sess.Call != nil {
		in := make([]string, 0, len(sess.Call.Participants))
		for _, id := range sess.Call.Participants {
			in = append(in, names[id])
		}
		fmt.Fprintf(&b, "  call: %s\n", strings.Join(in, ", "))
	}
	if n := len(sess.Screenshots); n > 0 {
		fmt.Fprintf(&b, "  screenshots: %d\n", n)
	}
	return b.String()
}

// TemplateList formats the built-in templates, one per line.
func TemplateList() string {
	var b strings.Builder
	for _, t := range model.Templates() {
		fmt.Fprintf(&b, "%-12s %-32s %d fields\n", t.ID, t.Title, len(t.Fields))
	}
	return b.String()
}
