package apikeys

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/barline-hq/barline/internal/platform/httpx"
)

const (
	secretScheme = "blk"
	prefixLen    = 8
)

// KeyStore is the persistence surface the service needs.
type KeyStore interface {
	Insert(ctx context.Context, key Key) (Key, error)
	FindByPrefix(ctx context.Context, prefix string) (*Key, error)
	Revoke(ctx context.Context, id int64) error
	List(ctx context.Context) ([]Key, error)
}

// Service issues and verifies API keys.
type Service struct {
	store KeyStore
}

// NewService constructs the service.
func NewService(store KeyStore) *Service {
	return &Service{store: store}
}

// Issue creates a key and returns the stored record plus the plaintext
// secret. The secret is not recoverable afterwards.
func (s *Service) Issue(ctx context.Context, name string) (Key, string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Key{}, "", fmt.Errorf("%w: key name is required", httpx.ErrValidation)
	}

	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return Key{}, "", fmt.Errorf("generate api key: %w", err)
	}
	body := hex.EncodeToString(raw)
	prefix := body[:prefixLen]
	secret := fmt.Sprintf("%s_%s", secretScheme, body)

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return Key{}, "", fmt.Errorf("hash api key: %w", err)
	}

	key, err := s.store.Insert(ctx, Key{Name: name, Prefix: prefix, Hash: string(hash)})
	if err != nil {
		return Key{}, "", err
	}
	return key, secret, nil
}

// Verify checks a presented secret against the stored hash. Lookup failures
// and hash mismatches are both reported as unauthorized.
func (s *Service) Verify(ctx context.Context, secret string) (*Key, error) {
	body, ok := strings.CutPrefix(secret, secretScheme+"_")
	if !ok || len(body) < prefixLen {
		return nil, httpx.ErrUnauthorized
	}
	key, err := s.store.FindByPrefix(ctx, body[:prefixLen])
	if err != nil {
		return nil, httpx.ErrUnauthorized
	}
	if err := bcrypt.CompareHashAndPassword([]byte(key.Hash), []byte(secret)); err != nil {
		return nil, httpx.ErrUnauthorized
	}
	return key, nil
}

// Revoke disables a key.
func (s *Service) Revoke(ctx context.Context, id int64) error {
	return s.store.Revoke(ctx, id)
}

// List returns all keys.
func (s *Service) List(ctx context.Context) ([]Key, error) {
	return s.store.List(ctx)
}

// Middleware authenticates requests via the X-API-Key header.
func (s *Service) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		secret := r.Header.Get("X-API-Key")
		if secret == "" {
			httpx.RespondError(w, httpx.ErrUnauthorized)
			return
		}
		if _, err := s.Verify(r.Context(), secret); err != nil {
			httpx.RespondError(w, httpx.ErrUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
