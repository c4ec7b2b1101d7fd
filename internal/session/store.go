// Package session issues and validates admin bearer tokens. Tokens carry no
// expiry; they live until revoked or until the process exits.
package session

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"taskgate/internal/config"
)

const tokenBytes = 24

var (
	ErrPasswordRequired = errors.New("password is required")
	ErrInvalidPassword  = errors.New("invalid password")
)

type Store struct {
	mu     sync.RWMutex
	tokens map[string]struct{}
	secret []byte
	hash   []byte
}

// NewStore prefers the bcrypt hash when both forms are configured.
func NewStore(cfg config.AuthConfig) *Store {
	s := &Store{tokens: make(map[string]struct{})}
	if cfg.AdminPasswordHash != "" {
		s.hash = []byte(cfg.AdminPasswordHash)
	} else {
		s.secret = []byte(cfg.AdminPassword)
	}
	return s
}

func (s *Store) Authenticate(password string) (string, error) {
	if password == "" {
		return "", ErrPasswordRequired
	}
	if !s.matches(password) {
		return "", ErrInvalidPassword
	}
	token, err := newToken()
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	s.tokens[token] = struct{}{}
	s.mu.Unlock()
	return token, nil
}

func (s *Store) matches(password string) bool {
	if s.hash != nil {
		return bcrypt.CompareHashAndPassword(s.hash, []byte(password)) == nil
	}
	if len(s.secret) == 0 {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(password), s.secret) == 1
}

func (s *Store) Validate(token string) bool {
	if token == "" {
		return false
	}
	s.mu.RLock()
	_, ok := s.tokens[token]
	s.mu.RUnlock()
	return ok
}

func (s *Store) Revoke(token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tokens[token]; !ok {
		return false
	}
	delete(s.tokens, token)
	return true
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tokens)
}

func newToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func HashPassword(password string) (string, error) {
	if password == "" {
		return "", ErrPasswordRequired
	}
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}
