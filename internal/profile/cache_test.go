package profile

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/parlay-labs/interp-core/internal/lang"
)

type fakeFetcher struct {
	snapshots map[string]Snapshot
	err       error
	calls     int
}

func (f *fakeFetcher) FetchProfile(_ context.Context, identity string) (Snapshot, error) {
	f.calls++
	if f.err != nil {
		return Snapshot{}, f.err
	}
	s, ok := f.snapshots[identity]
	if !ok {
		return Snapshot{}, errors.New("not found")
	}
	return s, nil
}

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestCache(t *testing.T, fetcher Fetcher) *Cache {
	t.Helper()
	c, err := NewCache(fetcher, 30*time.Minute, 64, 0, newLogger())
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	return c
}

func mariaSnapshot() Snapshot {
	return Snapshot{
		Identity:       "maria",
		NativeLanguage: lang.Spanish,
		Voice:          VoiceAvatar{VoiceID: "celeste", Provider: "http", Language: lang.Spanish},
		UpdatedAt:      time.Now().UTC(),
	}
}

func TestGetFetchesOnMiss(t *testing.T) {
	fetcher := &fakeFetcher{snapshots: map[string]Snapshot{"maria": mariaSnapshot()}}
	cache := newTestCache(t, fetcher)

	got := cache.Get(context.Background(), "maria")
	if got.NativeLanguage != lang.Spanish {
		t.Fatalf("expected es profile, got %s", got.NativeLanguage)
	}
	if fetcher.calls != 1 {
		t.Fatalf("expected one fetch, got %d", fetcher.calls)
	}

	cache.Get(context.Background(), "maria")
	if fetcher.calls != 1 {
		t.Fatalf("expected cache hit, got %d fetches", fetcher.calls)
	}
}

func TestGetExpiresAfterTTL(t *testing.T) {
	fetcher := &fakeFetcher{snapshots: map[string]Snapshot{"maria": mariaSnapshot()}}
	cache := newTestCache(t, fetcher)

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	cache.clock = func() time.Time { return now }

	cache.Get(context.Background(), "maria")
	now = now.Add(31 * time.Minute)
	cache.Get(context.Background(), "maria")
	if fetcher.calls != 2 {
		t.Fatalf("expected refetch after ttl, got %d fetches", fetcher.calls)
	}
}

func TestGetFallsBackToDefaultOnFetchError(t *testing.T) {
	fetcher := &fakeFetcher{err: errors.New("db down")}
	cache := newTestCache(t, fetcher)

	got := cache.Get(context.Background(), "ghost")
	if got.Identity != "ghost" {
		t.Fatalf("expected default snapshot for ghost, got %q", got.Identity)
	}
	if got.NativeLanguage != lang.English {
		t.Fatalf("expected default language en, got %s", got.NativeLanguage)
	}
	if cache.Len() != 0 {
		t.Fatalf("default snapshot must not be cached, len=%d", cache.Len())
	}
}

func TestInvalidateForcesRefetch(t *testing.T) {
	fetcher := &fakeFetcher{snapshots: map[string]Snapshot{"maria": mariaSnapshot()}}
	cache := newTestCache(t, fetcher)

	cache.Get(context.Background(), "maria")
	cache.Invalidate("maria")
	cache.Get(context.Background(), "maria")
	if fetcher.calls != 2 {
		t.Fatalf("expected refetch after invalidate, got %d", fetcher.calls)
	}
}

func TestSweepRemovesExpiredOnly(t *testing.T) {
	fetcher := &fakeFetcher{snapshots: map[string]Snapshot{"maria": mariaSnapshot()}}
	cache := newTestCache(t, fetcher)

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	cache.clock = func() time.Time { return now }

	cache.Put(Snapshot{Identity: "old", NativeLanguage: lang.English})
	now = now.Add(20 * time.Minute)
	cache.Put(Snapshot{Identity: "fresh", NativeLanguage: lang.French})
	now = now.Add(15 * time.Minute)

	if removed := cache.Sweep(); removed != 1 {
		t.Fatalf("expected 1 expired entry removed, got %d", removed)
	}
	if cache.Len() != 1 {
		t.Fatalf("expected 1 entry left, got %d", cache.Len())
	}
}

func TestPutPrePopulatesWithoutFetch(t *testing.T) {
	fetcher := &fakeFetcher{}
	cache := newTestCache(t, fetcher)

	cache.Put(mariaSnapshot())
	got := cache.Get(context.Background(), "maria")
	if got.Voice.VoiceID != "celeste" {
		t.Fatalf("expected pre-populated voice, got %q", got.Voice.VoiceID)
	}
	if fetcher.calls != 0 {
		t.Fatalf("expected no fetch, got %d", fetcher.calls)
	}
}
