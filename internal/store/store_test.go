package store

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/parlay-labs/interp-core/internal/config"
	"github.com/parlay-labs/interp-core/internal/lang"
	"github.com/parlay-labs/interp-core/internal/profile"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openTestStore(t *testing.T, cfg config.StoreConfig) *Store {
	t.Helper()
	if cfg.Path == "" {
		cfg.Path = filepath.Join(t.TempDir(), "interp.db")
	}
	s, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestProfileRoundTrip(t *testing.T) {
	s := openTestStore(t, config.StoreConfig{SeedVoices: true})

	snap := profile.Snapshot{
		Identity:       "maria",
		NativeLanguage: lang.Spanish,
		Voice:          profile.VoiceAvatar{VoiceID: "aura-celeste-es", Provider: "http"},
		Preferences:    profile.Preferences{PreserveEmotion: true},
	}
	if err := s.UpsertProfile(context.Background(), snap); err != nil {
		t.Fatalf("upsert profile: %v", err)
	}

	got, err := s.FetchProfile(context.Background(), "maria")
	if err != nil {
		t.Fatalf("fetch profile: %v", err)
	}
	if got.NativeLanguage != lang.Spanish {
		t.Fatalf("expected es, got %s", got.NativeLanguage)
	}
	if got.Voice.DisplayName != "Celeste" {
		t.Fatalf("expected catalog voice resolved, got %+v", got.Voice)
	}
	if !got.Preferences.PreserveEmotion {
		t.Fatal("expected preserve_emotion true")
	}
}

func TestFetchProfileMissing(t *testing.T) {
	s := openTestStore(t, config.StoreConfig{})
	if _, err := s.FetchProfile(context.Background(), "nobody"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateProfileVoice(t *testing.T) {
	s := openTestStore(t, config.StoreConfig{SeedVoices: true})

	snap := profile.Snapshot{
		Identity:       "john",
		NativeLanguage: lang.English,
		Voice:          profile.VoiceAvatar{VoiceID: "aura-apollo-en", Provider: "http"},
	}
	if err := s.UpsertProfile(context.Background(), snap); err != nil {
		t.Fatalf("upsert profile: %v", err)
	}
	if err := s.UpdateProfileVoice(context.Background(), "john", "aura-asteria-en", "http"); err != nil {
		t.Fatalf("update voice: %v", err)
	}
	got, err := s.FetchProfile(context.Background(), "john")
	if err != nil {
		t.Fatalf("fetch profile: %v", err)
	}
	if got.Voice.VoiceID != "aura-asteria-en" {
		t.Fatalf("expected updated voice, got %q", got.Voice.VoiceID)
	}

	if err := s.UpdateProfileVoice(context.Background(), "nobody", "aura-apollo-en", "http"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing identity, got %v", err)
	}
}

func TestRoomLifecycle(t *testing.T) {
	s := openTestStore(t, config.StoreConfig{RoomIdleMin: 30})

	room := Room{
		RoomID:          "room-1",
		RoomName:        "translation-abc",
		HostIdentity:    "maria",
		MaxParticipants: 2,
		IsActive:        true,
		RoomType:        "translation",
	}
	if err := s.CreateRoom(context.Background(), room); err != nil {
		t.Fatalf("create room: %v", err)
	}

	got, err := s.GetRoomByName(context.Background(), "translation-abc")
	if err != nil {
		t.Fatalf("get room: %v", err)
	}
	if got.MaxParticipants != 2 || got.RoomType != "translation" {
		t.Fatalf("unexpected room record: %+v", got)
	}

	if err := s.SetRoomActive(context.Background(), "room-1", false); err != nil {
		t.Fatalf("set inactive: %v", err)
	}
	got, err = s.GetRoom(context.Background(), "room-1")
	if err != nil {
		t.Fatalf("get room after close: %v", err)
	}
	if got.IsActive {
		t.Fatal("expected inactive room record retained")
	}
}

func TestDeactivateIdleRooms(t *testing.T) {
	s := openTestStore(t, config.StoreConfig{RoomIdleMin: 30})

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s.clock = func() time.Time { return now }

	if err := s.CreateRoom(context.Background(), Room{
		RoomID: "stale", RoomName: "stale-room", HostIdentity: "h",
		MaxParticipants: 8, IsActive: true, RoomType: "general",
	}); err != nil {
		t.Fatalf("create room: %v", err)
	}

	now = now.Add(45 * time.Minute)
	flipped, err := s.DeactivateIdleRooms(context.Background())
	if err != nil {
		t.Fatalf("deactivate idle: %v", err)
	}
	if flipped != 1 {
		t.Fatalf("expected 1 room deactivated, got %d", flipped)
	}
}

func TestSeedCatalogCoversLanguages(t *testing.T) {
	s := openTestStore(t, config.StoreConfig{SeedVoices: true})

	for _, tag := range lang.All() {
		voices, err := s.ListVoices(context.Background(), string(tag))
		if err != nil {
			t.Fatalf("list voices for %s: %v", tag, err)
		}
		genders := map[string]bool{}
		for _, v := range voices {
			genders[v.Gender] = true
		}
		if !genders["male"] || !genders["female"] {
			t.Fatalf("language %s missing a gendered voice: %+v", tag, voices)
		}
	}
}
