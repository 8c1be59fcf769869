// Package credential implements the credential store (C1): encrypted
// per-user provider keys with a decrypted-key cache and the inline > stored
// > process-default > none resolution chain.
package credential

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	chatgateway "github.com/eugener/chatgate/internal"
	"github.com/eugener/chatgate/internal/crypto"
	"github.com/eugener/chatgate/internal/storage"
	"github.com/maypok86/otter/v2"
)

const (
	cacheTTL    = 30 * time.Second // short enough to pick up revocations promptly
	cacheMaxLen = 10_000
)

type cacheKey struct {
	userID   string
	provider string
}

// Store wraps a storage.CredentialStore with an otter cache of decrypted
// keys and the resolution chain from spec.md §4.1.
type Store struct {
	backing  storage.CredentialStore
	cache    *otter.Cache[cacheKey, string]
	encKey   []byte
	defaults map[string]string // provider -> process-default key
}

// NewStore builds a credential Store. defaults holds process-wide fallback
// keys per provider (e.g. operator-configured keys usable when a user has
// not stored their own).
func NewStore(backing storage.CredentialStore, encKey []byte, defaults map[string]string) (*Store, error) {
	c, err := otter.New(&otter.Options[cacheKey, string]{
		MaximumSize:      cacheMaxLen,
		ExpiryCalculator: otter.ExpiryWriting[cacheKey, string](cacheTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("create credential cache: %w", err)
	}
	if defaults == nil {
		defaults = map[string]string{}
	}
	return &Store{backing: backing, cache: c, encKey: encKey, defaults: defaults}, nil
}

// Store encrypts plaintext and persists it for (userID, provider),
// invalidating any cached decrypted value.
func (s *Store) Store(ctx context.Context, userID, provider, plaintext string) error {
	ciphertext, err := crypto.Encrypt(plaintext, s.encKey)
	if err != nil {
		return fmt.Errorf("encrypt credential: %w", err)
	}
	rec := &chatgateway.ApiKeyRecord{
		UserID:     userID,
		Provider:   provider,
		Ciphertext: ciphertext,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.backing.StoreKey(ctx, rec); err != nil {
		return err
	}
	s.cache.Invalidate(cacheKey{userID, provider})
	return nil
}

// Delete removes a stored key, invalidating the cache entry.
func (s *Store) Delete(ctx context.Context, userID, provider string) error {
	if err := s.backing.DeleteKey(ctx, userID, provider); err != nil {
		return err
	}
	s.cache.Invalidate(cacheKey{userID, provider})
	return nil
}

// List reports which providers the user has stored keys for. It never
// touches Decrypt — has_key is derived purely from a row existing.
func (s *Store) List(ctx context.Context, userID string) ([]chatgateway.ApiKeySummary, error) {
	return s.backing.ListKeys(ctx, userID)
}

// Resolve implements the credential resolution chain: an inline key wins,
// then a stored (decrypt-and-cache) key, then a process-wide default for
// the provider, then ErrNoCredentials.
func (s *Store) Resolve(ctx context.Context, userID, provider, inline string) (string, error) {
	if inline != "" {
		return inline, nil
	}

	key := cacheKey{userID, provider}
	if plaintext, ok := s.cache.GetIfPresent(key); ok {
		return plaintext, nil
	}

	rec, err := s.backing.GetKey(ctx, userID, provider)
	switch {
	case err == nil:
		plaintext, decErr := crypto.Decrypt(rec.Ciphertext, s.encKey)
		if decErr != nil {
			// A stored key that fails to decrypt is treated the same as no
			// stored key at all: fall through to the process default rather
			// than surfacing an internal error to the caller.
			slog.Warn("stored credential failed to decrypt", "user_id", userID, "provider", provider, "error", decErr)
			break
		}
		s.cache.Set(key, plaintext)
		go s.touchUsed(userID, provider)
		return plaintext, nil
	case errors.Is(err, chatgateway.ErrNotFound):
		// fall through to process default
	default:
		return "", err
	}

	if def, ok := s.defaults[provider]; ok && def != "" {
		return def, nil
	}

	return "", chatgateway.ErrNoCredentials
}

func (s *Store) touchUsed(userID, provider string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.backing.TouchKeyUsed(ctx, userID, provider)
}
