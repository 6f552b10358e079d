package redis

import (
	"context"
	"testing"
	"time"
)

func TestRateLimitRepository_SlidingWindow(t *testing.T) {
	client, server := newTestRedis(t)
	repo := NewRateLimitRepository(client, SlidingWindowConfig{KeyPrefix: "rl", TTL: time.Hour})
	ctx := context.Background()

	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	for _, at := range []time.Time{base, base, base.Add(10 * time.Second), base.Add(90 * time.Second)} {
		if err := repo.RecordAttempt(ctx, "client-1", at); err != nil {
			t.Fatalf("RecordAttempt returned error: %v", err)
		}
	}

	reference := base.Add(100 * time.Second)
	count, err := repo.CountAttempts(ctx, "client-1", time.Minute, reference)
	if err != nil {
		t.Fatalf("CountAttempts returned error: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 attempt inside the window, got %d", count)
	}

	count, err = repo.CountAttempts(ctx, "client-1", 5*time.Minute, reference)
	if err != nil {
		t.Fatalf("CountAttempts returned error: %v", err)
	}
	if count != 4 {
		t.Fatalf("expected same-instant attempts to be counted separately, got %d", count)
	}

	if ttl := server.TTL("rl:client-1"); ttl <= 0 {
		t.Fatalf("expected ttl on limiter key, got %v", ttl)
	}
}

func TestRateLimitRepository_TrimAndOldest(t *testing.T) {
	client, _ := newTestRedis(t)
	repo := NewRateLimitRepository(client, SlidingWindowConfig{KeyPrefix: "rl"})
	ctx := context.Background()

	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	_ = repo.RecordAttempt(ctx, "client-2", base)
	_ = repo.RecordAttempt(ctx, "client-2", base.Add(30*time.Second))
	_ = repo.RecordAttempt(ctx, "client-2", base.Add(50*time.Second))

	reference := base.Add(70 * time.Second)
	if err := repo.TrimWindow(ctx, "client-2", time.Minute, reference); err != nil {
		t.Fatalf("TrimWindow returned error: %v", err)
	}

	oldest, ok, err := repo.OldestAttempt(ctx, "client-2", time.Minute, reference)
	if err != nil {
		t.Fatalf("OldestAttempt returned error: %v", err)
	}
	if !ok {
		t.Fatalf("expected an attempt inside the window")
	}
	if !oldest.Equal(base.Add(30 * time.Second)) {
		t.Fatalf("expected oldest %v, got %v", base.Add(30*time.Second), oldest)
	}

	count, _ := repo.CountAttempts(ctx, "client-2", time.Hour, reference)
	if count != 2 {
		t.Fatalf("expected trimmed set to hold 2 attempts, got %d", count)
	}
}

func TestRateLimitRepository_RejectsNonPositiveWindow(t *testing.T) {
	client, _ := newTestRedis(t)
	repo := NewRateLimitRepository(client, SlidingWindowConfig{})

	if _, err := repo.CountAttempts(context.Background(), "x", 0, time.Now()); err == nil {
		t.Fatalf("expected error for zero window")
	}
	if _, _, err := repo.OldestAttempt(context.Background(), "x", -time.Second, time.Now()); err == nil {
		t.Fatalf("expected error for negative window")
	}
}
