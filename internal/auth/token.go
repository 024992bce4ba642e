// Package auth issues the ephemeral participant identities carried on the
// websocket URL. There are no accounts: a token only binds an id to the
// display name and color it was issued with.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/petervdpas/formsync/internal/model"
	"github.com/petervdpas/formsync/internal/util"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("expired token")
)

// Claims is the signed part of a token.
type Claims struct {
	ParticipantID string `json:"sub"`
	Name          string `json:"name"`
	Color         string `json:"color"`
	Exp           int64  `json:"exp"`
}

// Identity is what POST /api/v1/participants returns.
type Identity struct {
	ParticipantID string `json:"participantId"`
	Name          string `json:"name"`
	Color         string `json:"color"`
	Token         string `json:"token"`
}

type Issuer struct {
	secret []byte
	ttl    time.Duration
	issued atomic.Int64
	now    func() time.Time
}

// NewIssuer signs with secret. A zero ttl means tokens last a day.
func NewIssuer(secret []byte, ttl time.Duration) (*Issuer, error) {
	if len(secret) < 16 {
		return nil, errors.New("auth secret must be at least 16 bytes")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Issuer{secret: secret, ttl: ttl, now: time.Now}, nil
}

// Issue creates a fresh participant id for name and assigns the next
// palette color.
func (i *Issuer) Issue(name string) (Identity, error) {
	name, err := util.ValidateDisplayName(name)
	if err != nil {
		return Identity{}, err
	}
	n := i.issued.Add(1) - 1
	claims := Claims{
		ParticipantID: uuid.NewString(),
		Name:          name,
		Color:         model.ColorFor(int(n)),
		Exp:           i.now().Add(i.ttl).Unix(),
	}
	token, err := i.sign(claims)
	if err != nil {
		return Identity{}, err
	}
	return Identity{
		ParticipantID: claims.ParticipantID,
		Name:          claims.Name,
		Color:         claims.Color,
		Token:         token,
	}, nil
}

// Parse verifies token and returns its claims.
func (i *Issuer) Parse(token string) (Claims, error) {
	payload, sig, ok := strings.Cut(token, ".")
	if !ok || strings.Contains(sig, ".") {
		return Claims{}, ErrInvalidToken
	}
	if !hmac.Equal([]byte(sig), []byte(i.mac(payload))) {
		return Claims{}, ErrInvalidToken
	}

	decoded, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return Claims{}, ErrInvalidToken
	}
	var claims Claims
	if err := json.Unmarshal(decoded, &claims); err != nil {
		return Claims{}, ErrInvalidToken
	}
	if claims.ParticipantID == "" || claims.Name == "" || claims.Exp == 0 {
		return Claims{}, ErrInvalidToken
	}
	if i.now().Unix() >= claims.Exp {
		return Claims{}, ErrExpiredToken
	}
	return claims, nil
}

func (i *Issuer) sign(c Claims) (string, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("marshal claims: %w", err)
	}
	payload := base64.RawURLEncoding.EncodeToString(b)
	return payload + "." + i.mac(payload), nil
}

func (i *Issuer) mac(payload string) string {
	h := hmac.New(sha256.New, i.secret)
	_, _ = h.Write([]byte(payload))
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil))
}
