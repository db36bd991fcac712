// Package httpapi serves the management surface: rooms, tokens, profiles,
// the voice catalog, and translation stats. The real-time path never touches
// these handlers.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/livekit/protocol/auth"

	"github.com/parlay-labs/interp-core/internal/bus"
	"github.com/parlay-labs/interp-core/internal/config"
	"github.com/parlay-labs/interp-core/internal/lang"
	"github.com/parlay-labs/interp-core/internal/profile"
	"github.com/parlay-labs/interp-core/internal/protocol"
	"github.com/parlay-labs/interp-core/internal/store"
)

const tokenTTL = 6 * time.Hour

// Server wires the gin router to the store, cache, and bus.
type Server struct {
	cfg      config.Config
	store    *store.Store
	profiles *profile.Cache
	bus      *bus.Client
	log      *slog.Logger
	engine   *gin.Engine
	ready    func() bool
}

// New builds the server. The ready probe reports worker readiness; pass nil
// for an always-ready surface.
func New(cfg config.Config, st *store.Store, profiles *profile.Cache, busClient *bus.Client, ready func() bool, log *slog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		cfg:      cfg,
		store:    st,
		profiles: profiles,
		bus:      busClient,
		log:      log.With(slog.String("component", "httpapi")),
		engine:   gin.New(),
		ready:    ready,
	}
	s.engine.Use(gin.Recovery())
	s.routes()
	return s
}

// Handler exposes the router for the runtime's HTTP server.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) routes() {
	s.engine.GET("/healthz", s.handleHealth)
	s.engine.GET("/readyz", s.handleReady)

	s.engine.POST("/rooms", s.handleCreateRoom)
	s.engine.GET("/rooms/:room_id/translation-stats", s.handleTranslationStats)
	s.engine.POST("/tokens", s.handleMintToken)
	s.engine.POST("/profiles", s.handleUpsertProfile)
	s.engine.GET("/profiles/:identity", s.handleGetProfile)
	s.engine.PUT("/profiles/:identity/voice", s.handleUpdateVoice)
	s.engine.GET("/voices", s.handleListVoices)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.String(http.StatusOK, "ok")
}

func (s *Server) handleReady(c *gin.Context) {
	if s.ready != nil && !s.ready() {
		c.String(http.StatusServiceUnavailable, "not ready")
		return
	}
	c.String(http.StatusOK, "ready")
}

type createRoomRequest struct {
	HostIdentity    string `json:"host_identity" binding:"required"`
	RoomName        string `json:"room_name"`
	MaxParticipants int    `json:"max_participants"`
	RoomType        string `json:"room_type"`
}

type createRoomResponse struct {
	RoomID          string `json:"room_id"`
	RoomName        string `json:"room_name"`
	JoinURL         string `json:"join_url"`
	MaxParticipants int    `json:"max_participants"`
}

func (s *Server) handleCreateRoom(c *gin.Context) {
	var req createRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	roomType := req.RoomType
	if roomType == "" {
		roomType = "general"
	}
	switch roomType {
	case "general", "translation", "conference":
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "room_type must be one of general|translation|conference"})
		return
	}

	maxParticipants := req.MaxParticipants
	if maxParticipants <= 0 {
		maxParticipants = 8
	}
	// Translation rooms are strictly two-party.
	if roomType == "translation" {
		maxParticipants = 2
	}

	roomName := req.RoomName
	if roomName == "" {
		roomName = fmt.Sprintf("%s-%s", roomType, uuid.NewString()[:8])
	}

	room := store.Room{
		RoomID:          uuid.NewString(),
		RoomName:        roomName,
		HostIdentity:    req.HostIdentity,
		MaxParticipants: maxParticipants,
		IsActive:        true,
		RoomType:        roomType,
	}
	if err := s.store.CreateRoom(c.Request.Context(), room); err != nil {
		s.log.Error("room create failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "room creation failed"})
		return
	}

	if s.bus != nil {
		evt := protocol.RoomCreated{
			RoomID:          room.RoomID,
			RoomName:        room.RoomName,
			RoomType:        room.RoomType,
			HostIdentity:    room.HostIdentity,
			MaxParticipants: room.MaxParticipants,
			Timestamp:       time.Now().UTC(),
		}
		if data, err := json.Marshal(evt); err == nil {
			if err := s.bus.Conn().Publish(protocol.SubjectRoomCreated, data); err != nil {
				s.log.Warn("room created publish failed", slog.String("error", err.Error()))
			}
		}
	}

	c.JSON(http.StatusOK, createRoomResponse{
		RoomID:          room.RoomID,
		RoomName:        room.RoomName,
		JoinURL:         s.cfg.Transport.URL + "/join/" + room.RoomName,
		MaxParticipants: room.MaxParticipants,
	})
}

type mintTokenRequest struct {
	UserIdentity string            `json:"user_identity" binding:"required"`
	RoomName     string            `json:"room_name" binding:"required"`
	UserMetadata map[string]string `json:"user_metadata"`
}

type mintTokenResponse struct {
	Token       string         `json:"token"`
	WSURL       string         `json:"ws_url"`
	RoomName    string         `json:"room_name"`
	UserProfile profilePayload `json:"user_profile"`
}

func (s *Server) handleMintToken(c *gin.Context) {
	var req mintTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	// Pre-warm the profile cache so pipeline construction does not pay the
	// store round trip.
	snapshot := s.profiles.Get(c.Request.Context(), req.UserIdentity)

	meta := map[string]string{
		"language": string(snapshot.NativeLanguage),
		"avatar":   snapshot.Voice.VoiceID,
	}
	for k, v := range req.UserMetadata {
		if v != "" {
			meta[k] = v
		}
	}
	if raw, ok := meta["language"]; ok {
		if _, err := lang.Parse(raw); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "metadata encoding failed"})
		return
	}

	at := auth.NewAccessToken(s.cfg.Transport.APIKey, s.cfg.Transport.APISecret)
	at.AddGrant(&auth.VideoGrant{RoomJoin: true, Room: req.RoomName})
	at.SetIdentity(req.UserIdentity)
	at.SetValidFor(tokenTTL)
	at.SetMetadata(string(metaJSON))
	token, err := at.ToJWT()
	if err != nil {
		s.log.Error("token mint failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token minting failed"})
		return
	}

	c.JSON(http.StatusOK, mintTokenResponse{
		Token:       token,
		WSURL:       s.cfg.Transport.URL,
		RoomName:    req.RoomName,
		UserProfile: toPayload(snapshot),
	})
}

type profilePayload struct {
	Identity        string `json:"identity"`
	NativeLanguage  string `json:"native_language"`
	VoiceAvatarID   string `json:"voice_avatar_id"`
	VoiceProvider   string `json:"voice_provider"`
	FormalTone      bool   `json:"formal_tone"`
	PreserveEmotion bool   `json:"preserve_emotion"`
}

func toPayload(snap profile.Snapshot) profilePayload {
	return profilePayload{
		Identity:        snap.Identity,
		NativeLanguage:  string(snap.NativeLanguage),
		VoiceAvatarID:   snap.Voice.VoiceID,
		VoiceProvider:   snap.Voice.Provider,
		FormalTone:      snap.Preferences.FormalTone,
		PreserveEmotion: snap.Preferences.PreserveEmotion,
	}
}

type upsertProfileRequest struct {
	Identity        string `json:"identity" binding:"required"`
	NativeLanguage  string `json:"native_language" binding:"required"`
	VoiceAvatarID   string `json:"voice_avatar_id"`
	FormalTone      bool   `json:"formal_tone"`
	PreserveEmotion bool   `json:"preserve_emotion"`
}

func (s *Server) handleUpsertProfile(c *gin.Context) {
	var req upsertProfileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	tag, err := lang.Parse(req.NativeLanguage)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	voice := profile.DefaultVoice(tag)
	if req.VoiceAvatarID != "" {
		resolved, err := s.store.GetVoice(c.Request.Context(), req.VoiceAvatarID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				c.JSON(http.StatusBadRequest, gin.H{"error": "unknown voice avatar"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "voice lookup failed"})
			return
		}
		voice = resolved
	}

	snap := profile.Snapshot{
		Identity:       req.Identity,
		NativeLanguage: tag,
		Voice:          voice,
		Preferences: profile.Preferences{
			FormalTone:      req.FormalTone,
			PreserveEmotion: req.PreserveEmotion,
		},
		UpdatedAt: time.Now().UTC(),
	}
	if err := s.store.UpsertProfile(c.Request.Context(), snap); err != nil {
		s.log.Error("profile upsert failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "profile write failed"})
		return
	}
	s.invalidateProfile(req.Identity)
	c.JSON(http.StatusOK, toPayload(snap))
}

func (s *Server) handleGetProfile(c *gin.Context) {
	identity := c.Param("identity")
	snap, err := s.store.FetchProfile(c.Request.Context(), identity)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "profile not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "profile lookup failed"})
		return
	}
	c.JSON(http.StatusOK, toPayload(snap))
}

type updateVoiceRequest struct {
	VoiceAvatarID string `json:"voice_avatar_id" binding:"required"`
}

func (s *Server) handleUpdateVoice(c *gin.Context) {
	identity := c.Param("identity")
	var req updateVoiceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	voice, err := s.store.GetVoice(c.Request.Context(), req.VoiceAvatarID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown voice avatar"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "voice lookup failed"})
		return
	}
	if err := s.store.UpdateProfileVoice(c.Request.Context(), identity, voice.VoiceID, voice.Provider); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "profile not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "voice update failed"})
		return
	}
	s.invalidateProfile(identity)
	c.JSON(http.StatusOK, gin.H{"identity": identity, "voice_avatar_id": voice.VoiceID})
}

// invalidateProfile clears the local cache and broadcasts the invalidation
// to worker hosts.
func (s *Server) invalidateProfile(identity string) {
	s.profiles.Invalidate(identity)
	if s.bus == nil {
		return
	}
	evt := protocol.ProfileUpdated{Identity: identity, Timestamp: time.Now().UTC()}
	if data, err := json.Marshal(evt); err == nil {
		if err := s.bus.Conn().Publish(protocol.SubjectProfileUpdated, data); err != nil {
			s.log.Warn("profile invalidation publish failed", slog.String("error", err.Error()))
		}
	}
}

func (s *Server) handleListVoices(c *gin.Context) {
	language := strings.TrimSpace(c.Query("language"))
	voices, err := s.store.ListVoices(c.Request.Context(), language)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "catalog lookup failed"})
		return
	}
	out := make([]gin.H, 0, len(voices))
	for _, v := range voices {
		out = append(out, gin.H{
			"voice_id":     v.VoiceID,
			"provider":     v.Provider,
			"language":     string(v.Language),
			"display_name": v.DisplayName,
			"gender":       v.Gender,
			"accent":       v.Accent,
			"description":  v.Description,
		})
	}
	c.JSON(http.StatusOK, gin.H{"voices": out})
}

func (s *Server) handleTranslationStats(c *gin.Context) {
	roomID := c.Param("room_id")
	room, err := s.store.GetRoom(c.Request.Context(), roomID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "room lookup failed"})
		return
	}
	if s.bus == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "stats unavailable"})
		return
	}

	msg, err := s.bus.Conn().Request(protocol.StatsSubject(room.RoomName), nil, 2*time.Second)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no worker serving this room"})
		return
	}
	var snap protocol.StatsSnapshot
	if err := json.Unmarshal(msg.Data, &snap); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "bad stats payload"})
		return
	}
	c.JSON(http.StatusOK, snap)
}
