package app

import (
	"context"
	"errors"
	"testing"
	"time"
)

// memoryIdempotencyStore is an in-memory IdempotencyStore for tests.
type memoryIdempotencyStore struct {
	claims map[string]string
}

func newMemoryIdempotencyStore() *memoryIdempotencyStore {
	return &memoryIdempotencyStore{claims: make(map[string]string)}
}

func (s *memoryIdempotencyStore) Claim(ctx context.Context, key, payloadHash string, ttl time.Duration) (string, bool, error) {
	if existing, ok := s.claims[key]; ok {
		return existing, false, nil
	}
	s.claims[key] = payloadHash
	return payloadHash, true, nil
}

func (s *memoryIdempotencyStore) Release(ctx context.Context, key string) error {
	delete(s.claims, key)
	return nil
}

func TestCheckIdempotency_MissingKeyRejected(t *testing.T) {
	store := newMemoryIdempotencyStore()
	_, err := CheckIdempotency(context.Background(), store, "", []byte(`{"amount":100}`), time.Minute)
	if !errors.Is(err, ErrMissingIdempotencyKey) {
		t.Fatalf("expected ErrMissingIdempotencyKey, got %v", err)
	}
}

func TestCheckIdempotency_FirstClaimIsFresh(t *testing.T) {
	store := newMemoryIdempotencyStore()
	fresh, err := CheckIdempotency(context.Background(), store, "key-1", []byte(`{"amount":100}`), time.Minute)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if !fresh {
		t.Fatal("expected first claim to be fresh")
	}
}

func TestCheckIdempotency_ReplayIsAcknowledgedNotReExecuted(t *testing.T) {
	store := newMemoryIdempotencyStore()
	payload := []byte(`{"amount":100}`)

	if _, err := CheckIdempotency(context.Background(), store, "key-1", payload, time.Minute); err != nil {
		t.Fatalf("first claim failed: %v", err)
	}
	fresh, err := CheckIdempotency(context.Background(), store, "key-1", payload, time.Minute)
	if err != nil {
		t.Fatalf("expected nil error on replay, got %v", err)
	}
	if fresh {
		t.Fatal("expected replay to be reported as stale so it debits once only")
	}
}

func TestCheckIdempotency_KeyReuseWithDifferentPayloadConflicts(t *testing.T) {
	store := newMemoryIdempotencyStore()

	if _, err := CheckIdempotency(context.Background(), store, "key-1", []byte(`{"amount":100}`), time.Minute); err != nil {
		t.Fatalf("first claim failed: %v", err)
	}
	_, err := CheckIdempotency(context.Background(), store, "key-1", []byte(`{"amount":999}`), time.Minute)
	if !errors.Is(err, ErrIdempotencyConflict) {
		t.Fatalf("expected ErrIdempotencyConflict, got %v", err)
	}
}

func TestCheckIdempotency_RetryAfterReleaseIsFresh(t *testing.T) {
	store := newMemoryIdempotencyStore()
	payload := []byte(`{"amount":100}`)

	if _, err := CheckIdempotency(context.Background(), store, "key-1", payload, time.Minute); err != nil {
		t.Fatalf("first claim failed: %v", err)
	}
	if err := store.Release(context.Background(), "key-1"); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	fresh, err := CheckIdempotency(context.Background(), store, "key-1", payload, time.Minute)
	if err != nil {
		t.Fatalf("expected nil error after release, got %v", err)
	}
	if !fresh {
		t.Fatal("expected the retry after a released claim to be processed")
	}
}

func TestHashPayload_Stable(t *testing.T) {
	a := HashPayload([]byte(`{"amount":100}`))
	b := HashPayload([]byte(`{"amount":100}`))
	c := HashPayload([]byte(`{"amount":101}`))
	if a != b {
		t.Error("expected identical payloads to hash identically")
	}
	if a == c {
		t.Error("expected different payloads to hash differently")
	}
	if len(a) != 64 {
		t.Errorf("expected hex sha-256 digest, got length %d", len(a))
	}
}
