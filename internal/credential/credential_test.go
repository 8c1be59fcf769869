package credential

import (
	"context"
	"errors"
	"sync"
	"testing"

	chatgateway "github.com/eugener/chatgate/internal"
	"github.com/eugener/chatgate/internal/crypto"
)

// fakeCredentialStore is a minimal in-memory storage.CredentialStore for tests.
type fakeCredentialStore struct {
	mu      sync.RWMutex
	records map[string]*chatgateway.ApiKeyRecord // userID|provider -> record
	touched map[string]int
}

func newFakeCredentialStore() *fakeCredentialStore {
	return &fakeCredentialStore{
		records: make(map[string]*chatgateway.ApiKeyRecord),
		touched: make(map[string]int),
	}
}

func recKey(userID, provider string) string { return userID + "|" + provider }

func (s *fakeCredentialStore) StoreKey(_ context.Context, rec *chatgateway.ApiKeyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.records[recKey(rec.UserID, rec.Provider)] = &cp
	return nil
}

func (s *fakeCredentialStore) GetKey(_ context.Context, userID, provider string) (*chatgateway.ApiKeyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[recKey(userID, provider)]
	if !ok {
		return nil, chatgateway.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *fakeCredentialStore) ListKeys(_ context.Context, userID string) ([]chatgateway.ApiKeySummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []chatgateway.ApiKeySummary
	for _, rec := range s.records {
		if rec.UserID == userID {
			out = append(out, chatgateway.ApiKeySummary{Provider: rec.Provider, HasKey: true, LastUsedAt: rec.LastUsedAt})
		}
	}
	return out, nil
}

func (s *fakeCredentialStore) DeleteKey(_ context.Context, userID, provider string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := recKey(userID, provider)
	if _, ok := s.records[key]; !ok {
		return chatgateway.ErrNotFound
	}
	delete(s.records, key)
	return nil
}

func (s *fakeCredentialStore) TouchKeyUsed(_ context.Context, userID, provider string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touched[recKey(userID, provider)]++
	return nil
}

func testEncKey(t *testing.T) []byte {
	t.Helper()
	k, err := crypto.DeriveKey("test-passphrase")
	if err != nil {
		t.Fatal(err)
	}
	return k
}

func TestResolve_InlineWins(t *testing.T) {
	t.Parallel()
	store, err := NewStore(newFakeCredentialStore(), testEncKey(t), map[string]string{"providera": "default-key"})
	if err != nil {
		t.Fatal(err)
	}
	got, err := store.Resolve(context.Background(), "u1", "providera", "inline-key")
	if err != nil {
		t.Fatal(err)
	}
	if got != "inline-key" {
		t.Errorf("got %q, want inline-key", got)
	}
}

func TestResolve_StoredKey(t *testing.T) {
	t.Parallel()
	backing := newFakeCredentialStore()
	store, err := NewStore(backing, testEncKey(t), nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	if err := store.Store(ctx, "u1", "providera", "stored-key"); err != nil {
		t.Fatal(err)
	}
	got, err := store.Resolve(ctx, "u1", "providera", "")
	if err != nil {
		t.Fatal(err)
	}
	if got != "stored-key" {
		t.Errorf("got %q, want stored-key", got)
	}

	// Stored ciphertext is never plaintext.
	rec, _ := backing.GetKey(ctx, "u1", "providera")
	if rec.Ciphertext == "stored-key" {
		t.Error("ciphertext should not equal plaintext")
	}
}

func TestResolve_ProcessDefault(t *testing.T) {
	t.Parallel()
	store, err := NewStore(newFakeCredentialStore(), testEncKey(t), map[string]string{"providerb": "default-key"})
	if err != nil {
		t.Fatal(err)
	}
	got, err := store.Resolve(context.Background(), "u1", "providerb", "")
	if err != nil {
		t.Fatal(err)
	}
	if got != "default-key" {
		t.Errorf("got %q, want default-key", got)
	}
}

func TestResolve_NoCredentials(t *testing.T) {
	t.Parallel()
	store, err := NewStore(newFakeCredentialStore(), testEncKey(t), nil)
	if err != nil {
		t.Fatal(err)
	}
	_, err = store.Resolve(context.Background(), "u1", "providerc", "")
	if !errors.Is(err, chatgateway.ErrNoCredentials) {
		t.Errorf("err = %v, want ErrNoCredentials", err)
	}
}

func TestResolve_PrecedenceOrder(t *testing.T) {
	t.Parallel()
	backing := newFakeCredentialStore()
	store, err := NewStore(backing, testEncKey(t), map[string]string{"providera": "default-key"})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := store.Store(ctx, "u1", "providera", "stored-key"); err != nil {
		t.Fatal(err)
	}

	// Stored beats default.
	got, err := store.Resolve(ctx, "u1", "providera", "")
	if err != nil || got != "stored-key" {
		t.Fatalf("got %q, %v; want stored-key", got, err)
	}

	// Inline beats stored.
	got, err = store.Resolve(ctx, "u1", "providera", "inline-key")
	if err != nil || got != "inline-key" {
		t.Fatalf("got %q, %v; want inline-key", got, err)
	}
}

func TestDelete_InvalidatesCache(t *testing.T) {
	t.Parallel()
	backing := newFakeCredentialStore()
	store, err := NewStore(backing, testEncKey(t), nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := store.Store(ctx, "u1", "providera", "stored-key"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Resolve(ctx, "u1", "providera", ""); err != nil {
		t.Fatal(err)
	}
	if err := store.Delete(ctx, "u1", "providera"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Resolve(ctx, "u1", "providera", ""); !errors.Is(err, chatgateway.ErrNoCredentials) {
		t.Errorf("err = %v, want ErrNoCredentials after delete", err)
	}
}

func TestList_NeverExposesPlaintext(t *testing.T) {
	t.Parallel()
	backing := newFakeCredentialStore()
	store, err := NewStore(backing, testEncKey(t), nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := store.Store(ctx, "u1", "providera", "stored-key"); err != nil {
		t.Fatal(err)
	}

	summaries, err := store.List(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(summaries) != 1 || !summaries[0].HasKey {
		t.Fatalf("unexpected summaries: %+v", summaries)
	}
}
