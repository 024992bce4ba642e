package model

import (
	"crypto/rand"
	"math/big"
	"strings"
)

const sessionIDAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// SessionIDLen is the length of a session code.
const SessionIDLen = 6

// Colors is the palette handed out to participants in order.
var Colors = []string{
	"#ef4444", "#f59e0b", "#10b981", "#3b82f6", "#6366f1",
	"#8b5cf6", "#ec4899", "#14b8a6", "#f97316", "#06b6d4",
}

// NewSessionID returns a random 6-character upper-case code.
func NewSessionID() string {
	var b strings.Builder
	max := big.NewInt(int64(len(sessionIDAlphabet)))
	for i := 0; i < SessionIDLen; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			panic("crypto/rand failed: " + err.Error())
		}
		b.WriteByte(sessionIDAlphabet[n.Int64()])
	}
	return b.String()
}

// ValidSessionID reports whether id looks like a session code.
func ValidSessionID(id string) bool {
	if len(id) != SessionIDLen {
		return false
	}
	for i := 0; i < len(id); i++ {
		if !strings.ContainsRune(sessionIDAlphabet, rune(id[i])) {
			return false
		}
	}
	return true
}

// NormalizeSessionID upper-cases and trims user input.
func NormalizeSessionID(id string) string {
	return strings.ToUpper(strings.TrimSpace(id))
}

// ColorFor picks a palette entry for the n-th participant.
func ColorFor(n int) string {
	if n < 0 {
		n = -n
	}
	return Colors[n%len(Colors)]
}
