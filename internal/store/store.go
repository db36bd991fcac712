// Package store persists user profiles, rooms, and the voice catalog in
// SQLite, and records diagnostic events for audit.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/parlay-labs/interp-core/internal/config"
	"github.com/parlay-labs/interp-core/internal/lang"
	"github.com/parlay-labs/interp-core/internal/profile"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// Room is a persisted room record. Records are retained after close for
// audit; IsActive tracks liveness.
type Room struct {
	RoomID          string
	RoomName        string
	HostIdentity    string
	RoomType        string
	MaxParticipants int
	IsActive        bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Store wraps the SQLite database.
type Store struct {
	db    *sql.DB
	cfg   config.StoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the store, creating the schema and optionally seeding the
// voice catalog.
func Open(ctx context.Context, cfg config.StoreConfig, log *slog.Logger) (*Store, error) {
	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
			log.Warn("store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if cfg.SeedVoices {
		if err := s.SeedVoices(ctx); err != nil {
			log.Warn("voice catalog seed failed", slog.String("error", err.Error()))
		}
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS user_profiles (
    identity TEXT PRIMARY KEY,
    native_language TEXT NOT NULL,
    voice_avatar_id TEXT NOT NULL,
    voice_provider TEXT NOT NULL,
    formal_tone INTEGER NOT NULL DEFAULT 0,
    preserve_emotion INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS rooms (
    room_id TEXT PRIMARY KEY,
    room_name TEXT NOT NULL,
    host_identity TEXT NOT NULL,
    max_participants INTEGER NOT NULL,
    is_active INTEGER NOT NULL DEFAULT 1,
    room_type TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_rooms_name ON rooms(room_name);
CREATE TABLE IF NOT EXISTS voice_avatars (
    voice_id TEXT PRIMARY KEY,
    provider TEXT NOT NULL,
    name TEXT NOT NULL,
    gender TEXT NOT NULL,
    accent TEXT,
    description TEXT,
    language TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_voice_avatars_language ON voice_avatars(language);
CREATE TABLE IF NOT EXISTS diagnostics (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    room_name TEXT NOT NULL,
    listener TEXT,
    speaker TEXT,
    kind TEXT NOT NULL,
    detail TEXT,
    created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_diagnostics_room_created ON diagnostics(room_name, created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// Close releases the database handle.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// FetchProfile satisfies profile.Fetcher.
func (s *Store) FetchProfile(ctx context.Context, identity string) (profile.Snapshot, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT identity, native_language, voice_avatar_id, voice_provider, formal_tone, preserve_emotion, updated_at
		 FROM user_profiles WHERE identity = ?`, identity)

	var (
		snap       profile.Snapshot
		language   string
		voiceID    string
		voiceProv  string
		formal     bool
		emotion    bool
		updatedRaw string
	)
	if err := row.Scan(&snap.Identity, &language, &voiceID, &voiceProv, &formal, &emotion, &updatedRaw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return profile.Snapshot{}, ErrNotFound
		}
		return profile.Snapshot{}, err
	}

	tag, err := lang.Parse(language)
	if err != nil {
		return profile.Snapshot{}, err
	}
	snap.NativeLanguage = tag
	snap.Preferences = profile.Preferences{FormalTone: formal, PreserveEmotion: emotion}
	if ts, err := time.Parse(time.RFC3339Nano, updatedRaw); err == nil {
		snap.UpdatedAt = ts
	}

	voice, err := s.GetVoice(ctx, voiceID)
	if err != nil {
		// Profile points at a missing catalog entry; fall back to the
		// default voice for the user's language.
		snap.Voice = profile.DefaultVoice(tag)
		snap.Voice.Provider = voiceProv
		return snap, nil
	}
	snap.Voice = voice
	return snap, nil
}

// UpsertProfile writes a profile row, bumping updated_at.
func (s *Store) UpsertProfile(ctx context.Context, snap profile.Snapshot) error {
	now := s.clock().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO user_profiles(identity, native_language, voice_avatar_id, voice_provider, formal_tone, preserve_emotion, created_at, updated_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(identity) DO UPDATE SET
		   native_language=excluded.native_language,
		   voice_avatar_id=excluded.voice_avatar_id,
		   voice_provider=excluded.voice_provider,
		   formal_tone=excluded.formal_tone,
		   preserve_emotion=excluded.preserve_emotion,
		   updated_at=excluded.updated_at`,
		snap.Identity, string(snap.NativeLanguage), snap.Voice.VoiceID, snap.Voice.Provider,
		snap.Preferences.FormalTone, snap.Preferences.PreserveEmotion,
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	return err
}

// UpdateProfileVoice changes only the voice binding for an identity.
func (s *Store) UpdateProfileVoice(ctx context.Context, identity, voiceID, voiceProvider string) error {
	now := s.clock().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE user_profiles SET voice_avatar_id = ?, voice_provider = ?, updated_at = ? WHERE identity = ?`,
		voiceID, voiceProvider, now.Format(time.RFC3339Nano), identity)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateRoom inserts a room record.
func (s *Store) CreateRoom(ctx context.Context, room Room) error {
	now := s.clock().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rooms(room_id, room_name, host_identity, max_participants, is_active, room_type, created_at, updated_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
		room.RoomID, room.RoomName, room.HostIdentity, room.MaxParticipants, room.IsActive, room.RoomType,
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	return err
}

// GetRoom fetches one room by id.
func (s *Store) GetRoom(ctx context.Context, roomID string) (Room, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT room_id, room_name, host_identity, max_participants, is_active, room_type, created_at, updated_at
		 FROM rooms WHERE room_id = ?`, roomID)
	return scanRoom(row)
}

// GetRoomByName fetches one room by its transport name.
func (s *Store) GetRoomByName(ctx context.Context, roomName string) (Room, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT room_id, room_name, host_identity, max_participants, is_active, room_type, created_at, updated_at
		 FROM rooms WHERE room_name = ? ORDER BY created_at DESC LIMIT 1`, roomName)
	return scanRoom(row)
}

func scanRoom(row *sql.Row) (Room, error) {
	var (
		room       Room
		createdRaw string
		updatedRaw string
	)
	if err := row.Scan(&room.RoomID, &room.RoomName, &room.HostIdentity, &room.MaxParticipants,
		&room.IsActive, &room.RoomType, &createdRaw, &updatedRaw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Room{}, ErrNotFound
		}
		return Room{}, err
	}
	if ts, err := time.Parse(time.RFC3339Nano, createdRaw); err == nil {
		room.CreatedAt = ts
	}
	if ts, err := time.Parse(time.RFC3339Nano, updatedRaw); err == nil {
		room.UpdatedAt = ts
	}
	return room, nil
}

// SetRoomActive flips a room's liveness flag; the record is retained either
// way.
func (s *Store) SetRoomActive(ctx context.Context, roomID string, active bool) error {
	now := s.clock().UTC()
	_, err := s.db.ExecContext(ctx,
		`UPDATE rooms SET is_active = ?, updated_at = ? WHERE room_id = ?`,
		active, now.Format(time.RFC3339Nano), roomID)
	return err
}

// DeactivateIdleRooms marks rooms inactive whose last update is older than
// the configured idle window. Returns how many were flipped.
func (s *Store) DeactivateIdleRooms(ctx context.Context) (int64, error) {
	if s.cfg.RoomIdleMin <= 0 {
		return 0, nil
	}
	cutoff := s.clock().UTC().Add(-time.Duration(s.cfg.RoomIdleMin) * time.Minute)
	res, err := s.db.ExecContext(ctx,
		`UPDATE rooms SET is_active = 0, updated_at = ? WHERE is_active = 1 AND updated_at < ?`,
		s.clock().UTC().Format(time.RFC3339Nano), cutoff.Format(time.RFC3339Nano))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// GetVoice fetches one catalog entry.
func (s *Store) GetVoice(ctx context.Context, voiceID string) (profile.VoiceAvatar, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT voice_id, provider, name, gender, accent, description, language
		 FROM voice_avatars WHERE voice_id = ?`, voiceID)

	var (
		voice    profile.VoiceAvatar
		accent   sql.NullString
		descr    sql.NullString
		language string
	)
	if err := row.Scan(&voice.VoiceID, &voice.Provider, &voice.DisplayName, &voice.Gender, &accent, &descr, &language); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return profile.VoiceAvatar{}, ErrNotFound
		}
		return profile.VoiceAvatar{}, err
	}
	voice.Accent = accent.String
	voice.Description = descr.String
	if tag, err := lang.Parse(language); err == nil {
		voice.Language = tag
	}
	return voice, nil
}

// ListVoices returns the catalog, optionally filtered by language.
func (s *Store) ListVoices(ctx context.Context, language string) ([]profile.VoiceAvatar, error) {
	query := `SELECT voice_id, provider, name, gender, accent, description, language FROM voice_avatars`
	args := []any{}
	if language != "" {
		query += ` WHERE language = ?`
		args = append(args, language)
	}
	query += ` ORDER BY language, name`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var voices []profile.VoiceAvatar
	for rows.Next() {
		var (
			voice  profile.VoiceAvatar
			accent sql.NullString
			descr  sql.NullString
			raw    string
		)
		if err := rows.Scan(&voice.VoiceID, &voice.Provider, &voice.DisplayName, &voice.Gender, &accent, &descr, &raw); err != nil {
			return nil, err
		}
		voice.Accent = accent.String
		voice.Description = descr.String
		if tag, err := lang.Parse(raw); err == nil {
			voice.Language = tag
		}
		voices = append(voices, voice)
	}
	return voices, rows.Err()
}

// AppendDiagnostic records a coordinator or pipeline event for audit.
func (s *Store) AppendDiagnostic(ctx context.Context, roomName, listener, speaker, kind, detail string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO diagnostics(room_name, listener, speaker, kind, detail, created_at)
		 VALUES(?, ?, ?, ?, ?, ?)`,
		roomName, listener, speaker, kind, detail, s.clock().UTC().Format(time.RFC3339Nano))
	return err
}
