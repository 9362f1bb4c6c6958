// Package collab is the realtime collaboration broadcaster: connection
// tokens, session membership with last-write-wins state, cross-instance
// fan-out through a broker, and the websocket transport.
package collab

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"time"

	"github.com/RegistryAccord/registryaccord-mmg-go/internal/model"
	"github.com/RegistryAccord/registryaccord-mmg-go/internal/shard"
)

// DefaultTokenTTL is how long a realtime token stays valid.
const DefaultTokenTTL = 24 * time.Hour

var (
	// ErrTokenInvalid is returned for unknown, revoked and expired tokens.
	ErrTokenInvalid = errors.New("realtime token invalid or expired")
	// ErrTokenInUse is returned when a token already backs a live connection.
	ErrTokenInUse = errors.New("realtime token already in use")
)

type tokenState struct {
	token model.RealtimeToken
	live  bool
}

// TokenStore issues and validates realtime tokens. A token may back at most
// one live connection at a time and can be reused after that connection
// closes, until it expires.
type TokenStore struct {
	ttl    time.Duration
	now    func() time.Time
	tokens *shard.Map[*tokenState]
}

// NewTokenStore creates a store; ttl <= 0 selects DefaultTokenTTL.
func NewTokenStore(ttl time.Duration) *TokenStore {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &TokenStore{ttl: ttl, now: time.Now, tokens: shard.New[*tokenState](0)}
}

// WithClock replaces the time source.
func (s *TokenStore) WithClock(now func() time.Time) *TokenStore {
	s.now = now
	return s
}

// Issue creates a token for userID.
func (s *TokenStore) Issue(userID string) (model.RealtimeToken, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return model.RealtimeToken{}, err
	}
	tok := model.RealtimeToken{
		Token:     hex.EncodeToString(buf),
		UserID:    userID,
		ExpiresAt: s.now().UTC().Add(s.ttl),
	}
	s.tokens.With(tok.Token, func(m map[string]*tokenState) { m[tok.Token] = &tokenState{token: tok} })
	return tok, nil
}

// Validate checks that token exists and has not expired. Expired tokens are
// removed.
func (s *TokenStore) Validate(token string) (model.RealtimeToken, error) {
	var (
		out model.RealtimeToken
		err = ErrTokenInvalid
	)
	s.tokens.With(token, func(m map[string]*tokenState) {
		st, ok := m[token]
		if !ok {
			return
		}
		if !s.now().Before(st.token.ExpiresAt) {
			delete(m, token)
			return
		}
		out, err = st.token, nil
	})
	return out, err
}

// Claim validates token and marks it as backing a live connection.
func (s *TokenStore) Claim(token string) (model.RealtimeToken, error) {
	var (
		out model.RealtimeToken
		err = ErrTokenInvalid
	)
	s.tokens.With(token, func(m map[string]*tokenState) {
		st, ok := m[token]
		if !ok {
			return
		}
		if !s.now().Before(st.token.ExpiresAt) {
			delete(m, token)
			return
		}
		if st.live {
			err = ErrTokenInUse
			return
		}
		st.live = true
		out, err = st.token, nil
	})
	return out, err
}

// Release ends the live connection backed by token.
func (s *TokenStore) Release(token string) {
	s.tokens.With(token, func(m map[string]*tokenState) {
		if st, ok := m[token]; ok {
			st.live = false
		}
	})
}

// Revoke deletes token. Connections already open are not closed.
func (s *TokenStore) Revoke(token string) bool {
	var found bool
	s.tokens.With(token, func(m map[string]*tokenState) {
		_, found = m[token]
		delete(m, token)
	})
	return found
}

// Sweep drops expired tokens and reports how many were removed.
func (s *TokenStore) Sweep() int {
	now := s.now()
	n := 0
	s.tokens.Each(func(m map[string]*tokenState) {
		for k, st := range m {
			if !now.Before(st.token.ExpiresAt) {
				delete(m, k)
				n++
			}
		}
	})
	return n
}
