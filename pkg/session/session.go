// Package session holds the authenticated session of the running client.
//
// The Holder is a single mutable slot. It is written by the login/logout handler and
// read by the transport (to authenticate the connection) and the navigation guard.
package session

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"

	"github.com/go-go-golems/roomlink/pkg/model"
)

var ErrEmptyToken = errors.New("session token is empty")

type Session struct {
	Token  string       `json:"token"`
	UserID model.UserID `json:"userId,omitempty"`
	// Expiry is zero when the token does not carry one.
	Expiry time.Time    `json:"expiry,omitzero"`
}

// Valid reports whether the session carries a token that has not expired at now.
func (s *Session) Valid(now time.Time) bool {
	if s == nil || strings.TrimSpace(s.Token) == "" {
		return false
	}
	if !s.Expiry.IsZero() && !now.Before(s.Expiry) {
		return false
	}
	return true
}

// Parse builds a Session from a bearer token. JWT tokens contribute their subject and
// expiry claims; the signature is not verified since only the server can do that.
// Opaque tokens are accepted as-is.
func Parse(token string) (*Session, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrEmptyToken
	}
	s := &Session{Token: token}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return s, nil
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		s.Expiry = exp.Time
	}
	if sub, err := claims.GetSubject(); err == nil && sub != "" {
		if id, err := strconv.ParseInt(sub, 10, 64); err == nil {
			s.UserID = model.UserID(id)
		}
	}
	return s, nil
}

type Holder struct {
	mu      sync.RWMutex
	session *Session
}

func NewHolder() *Holder {
	return &Holder{}
}

// Get returns a copy of the current session, or nil when logged out.
func (h *Holder) Get() *Session {
	if h == nil {
		return nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.session == nil {
		return nil
	}
	cp := *h.session
	return &cp
}

func (h *Holder) Set(s *Session) {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if s == nil {
		h.session = nil
		return
	}
	cp := *s
	h.session = &cp
}

func (h *Holder) Clear() {
	h.Set(nil)
}

// Token returns the current bearer token or "".
func (h *Holder) Token() string {
	if s := h.Get(); s != nil {
		return s.Token
	}
	return ""
}
