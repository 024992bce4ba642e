package auth

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/petervdpas/formsync/internal/model"
)

var testSecret = []byte("0123456789abcdef0123")

func TestIssueAndParse(t *testing.T) {
	iss, err := NewIssuer(testSecret, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	id, err := iss.Issue("  Alice ")
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if id.Name != "Alice" || id.ParticipantID == "" || id.Color != model.Colors[0] {
		t.Fatalf("unexpected identity: %+v", id)
	}

	claims, err := iss.Parse(id.Token)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if claims.ParticipantID != id.ParticipantID || claims.Name != "Alice" || claims.Color != id.Color {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestColorsRotate(t *testing.T) {
	iss, _ := NewIssuer(testSecret, 0)
	seen := map[string]bool{}
	for i := 0; i < len(model.Colors); i++ {
		id, err := iss.Issue("P")
		if err != nil {
			t.Fatal(err)
		}
		seen[id.Color] = true
	}
	if len(seen) != len(model.Colors) {
		t.Errorf("got %d distinct colors, want %d", len(seen), len(model.Colors))
	}
}

func TestParseRejects(t *testing.T) {
	iss, _ := NewIssuer(testSecret, time.Hour)
	id, _ := iss.Issue("Bob")

	other, _ := NewIssuer([]byte("another-secret-of-length"), time.Hour)
	if _, err := other.Parse(id.Token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("foreign secret: err = %v", err)
	}

	payload, sig, _ := strings.Cut(id.Token, ".")
	if _, err := iss.Parse(payload + "x." + sig); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("tampered payload: err = %v", err)
	}
	for _, bad := range []string{"", "abc", "a.b.c"} {
		if _, err := iss.Parse(bad); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("Parse(%q) err = %v", bad, err)
		}
	}
}

func TestParseRejectsExpired(t *testing.T) {
	iss, _ := NewIssuer(testSecret, time.Minute)
	id, _ := iss.Issue("Carol")
	iss.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	if _, err := iss.Parse(id.Token); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("err = %v, want ErrExpiredToken", err)
	}
}

func TestIssueValidatesName(t *testing.T) {
	iss, _ := NewIssuer(testSecret, time.Hour)
	if _, err := iss.Issue("   "); err == nil {
		t.Fatal("expected error for empty name")
	}
	if _, err := NewIssuer([]byte("short"), time.Hour); err == nil {
		t.Fatal("expected error for short secret")
	}
}
