package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/livekit/protocol/livekit"
	lksdk "github.com/livekit/server-sdk-go/v2"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/parlay-labs/interp-core/internal/config"
	"github.com/parlay-labs/interp-core/internal/lang"
)

// LiveKitSession adapts a LiveKit room to the RoomSession contract. The
// worker joins as a hidden agent participant; per-listener subscription
// control goes through the room service, and listener privacy of published
// tracks is enforced with subscription permissions.
//
// Subscription state is mirrored locally: the room service applies
// subscription changes but has no cheap per-listener subscription query, and
// the topology planner diffs against Subscriptions on every reconciliation
// tick. The mirror is updated only after a change RPC succeeds, so a failed
// action is retried on the next tick.
type LiveKitSession struct {
	cfg      config.TransportConfig
	roomName string
	log      *slog.Logger

	room    *lksdk.Room
	service *lksdk.RoomServiceClient

	mu            sync.Mutex
	participants  map[string]Participant
	rawTracks     map[string]string // identity -> audio track sid
	subscriptions map[string]map[string]bool
	feeds         map[string][]*memoryFeed
	published     map[string]*lkTrack
	events        chan Event
	closed        bool
}

type lkTrack struct {
	id       string
	listener string
	local    *lksdk.LocalSampleTrack
	pub      *lksdk.LocalTrackPublication
	session  *LiveKitSession
}

// DialLiveKit connects to the room as the translation agent.
func DialLiveKit(ctx context.Context, cfg config.TransportConfig, roomName string, log *slog.Logger) (*LiveKitSession, error) {
	s := &LiveKitSession{
		cfg:           cfg,
		roomName:      roomName,
		log:           log.With(slog.String("component", "livekit-transport"), slog.String("room", roomName)),
		service:       lksdk.NewRoomServiceClient(cfg.URL, cfg.APIKey, cfg.APISecret),
		participants:  make(map[string]Participant),
		rawTracks:     make(map[string]string),
		subscriptions: make(map[string]map[string]bool),
		feeds:         make(map[string][]*memoryFeed),
		published:     make(map[string]*lkTrack),
		events:        make(chan Event, 64),
	}

	callbacks := &lksdk.RoomCallback{
		OnParticipantConnected:    s.onParticipantConnected,
		OnParticipantDisconnected: s.onParticipantDisconnected,
		ParticipantCallback: lksdk.ParticipantCallback{
			OnTrackSubscribed:   s.onTrackSubscribed,
			OnTrackUnsubscribed: s.onTrackUnsubscribed,
			OnMetadataChanged:   s.onMetadataChanged,
		},
	}

	room, err := lksdk.ConnectToRoom(cfg.URL, lksdk.ConnectInfo{
		APIKey:              cfg.APIKey,
		APISecret:           cfg.APISecret,
		RoomName:            roomName,
		ParticipantIdentity: "agent-interp-" + roomName,
	}, callbacks)
	if err != nil {
		return nil, fmt.Errorf("connect to room: %w", err)
	}
	s.room = room

	for _, rp := range room.GetRemoteParticipants() {
		s.registerParticipant(rp, false)
	}

	s.log.Info("connected to room", slog.Int("participants", len(s.participants)))
	return s, nil
}

// parseMeta decodes the participant metadata record; unknown or invalid
// payloads yield a zero meta that the coordinator treats as same-language.
func parseMeta(raw string) ParticipantMeta {
	var wire struct {
		Language string `json:"language"`
		Avatar   string `json:"avatar"`
		RoomType string `json:"room_type"`
	}
	var meta ParticipantMeta
	if raw == "" {
		return meta
	}
	if err := json.Unmarshal([]byte(raw), &wire); err != nil {
		return meta
	}
	if tag, err := lang.Parse(wire.Language); err == nil {
		meta.Language = tag
	}
	meta.Avatar = wire.Avatar
	meta.RoomType = wire.RoomType
	return meta
}

func (s *LiveKitSession) registerParticipant(rp *lksdk.RemoteParticipant, emit bool) {
	identity := rp.Identity()
	meta := parseMeta(rp.Metadata())

	s.mu.Lock()
	s.participants[identity] = Participant{Identity: identity, Meta: meta, JoinedAt: time.Now()}
	if s.subscriptions[identity] == nil {
		s.subscriptions[identity] = make(map[string]bool)
	}
	for _, pub := range rp.TrackPublications() {
		if pub.Kind() == lksdk.TrackKindAudio {
			s.rawTracks[identity] = pub.SID()
		}
	}
	closed := s.closed
	s.mu.Unlock()

	if emit && !closed {
		s.events <- Event{Kind: ParticipantJoined, Identity: identity, Meta: meta}
	}
}

func (s *LiveKitSession) onParticipantConnected(rp *lksdk.RemoteParticipant) {
	s.registerParticipant(rp, true)
}

func (s *LiveKitSession) onParticipantDisconnected(rp *lksdk.RemoteParticipant) {
	identity := rp.Identity()
	s.mu.Lock()
	meta := s.participants[identity].Meta
	delete(s.participants, identity)
	delete(s.rawTracks, identity)
	delete(s.subscriptions, identity)
	for _, feed := range s.feeds[identity] {
		feed.close()
	}
	delete(s.feeds, identity)
	closed := s.closed
	s.mu.Unlock()
	if !closed {
		s.events <- Event{Kind: ParticipantLeft, Identity: identity, Meta: meta}
	}
}

func (s *LiveKitSession) onMetadataChanged(_ string, p lksdk.Participant) {
	rp, ok := p.(*lksdk.RemoteParticipant)
	if !ok {
		return
	}
	identity := rp.Identity()
	meta := parseMeta(rp.Metadata())
	s.mu.Lock()
	existing, known := s.participants[identity]
	if known {
		existing.Meta = meta
		s.participants[identity] = existing
	}
	closed := s.closed
	s.mu.Unlock()
	if known && !closed {
		s.events <- Event{Kind: MetadataChanged, Identity: identity, Meta: meta}
	}
}

func (s *LiveKitSession) onTrackSubscribed(track *webrtc.TrackRemote, pub *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
	if track.Kind() != webrtc.RTPCodecTypeAudio {
		return
	}
	identity := rp.Identity()
	s.mu.Lock()
	s.rawTracks[identity] = pub.SID()
	s.mu.Unlock()

	// Pump encoded audio into any open feeds for this speaker. Frames are
	// forwarded as delivered; the STT adapters negotiate the codec.
	go func() {
		for {
			pkt, _, err := track.ReadRTP()
			if err != nil {
				return
			}
			s.mu.Lock()
			feeds := append([]*memoryFeed(nil), s.feeds[identity]...)
			s.mu.Unlock()
			frame := AudioFrame{PCM: pkt.Payload, SampleRate: int(track.Codec().ClockRate), Channels: 1}
			for _, feed := range feeds {
				feed.push(frame)
			}
		}
	}()
}

func (s *LiveKitSession) onTrackUnsubscribed(track *webrtc.TrackRemote, _ *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
	// The RTP pump exits on read error when the track goes away; nothing
	// else to tear down here.
	_ = track
	_ = rp
}

func (s *LiveKitSession) Events() <-chan Event { return s.events }

func (s *LiveKitSession) Participants() []Participant {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Participant, 0, len(s.participants))
	for _, p := range s.participants {
		out = append(out, p)
	}
	return out
}

func (s *LiveKitSession) OpenSpeakerFeed(_ context.Context, speaker string) (AudioFeed, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.participants[speaker]; !ok {
		return nil, ErrNoSuchParticipant
	}
	feed := &memoryFeed{frames: make(chan AudioFrame, 256)}
	s.feeds[speaker] = append(s.feeds[speaker], feed)

	// Ensure the agent itself receives the speaker's audio.
	if rp := s.remoteParticipant(speaker); rp != nil {
		for _, pub := range rp.TrackPublications() {
			if pub.Kind() == lksdk.TrackKindAudio {
				if remote, ok := pub.(*lksdk.RemoteTrackPublication); ok && !remote.IsSubscribed() {
					remote.SetSubscribed(true)
				}
			}
		}
	}
	return feed, nil
}

func (s *LiveKitSession) remoteParticipant(identity string) *lksdk.RemoteParticipant {
	for _, rp := range s.room.GetRemoteParticipants() {
		if rp.Identity() == identity {
			return rp
		}
	}
	return nil
}

func (s *LiveKitSession) PublishTrack(_ context.Context, listener, name string) (TrackWriter, error) {
	local, err := lksdk.NewLocalSampleTrack(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeOpus,
		ClockRate: 48000,
		Channels:  1,
	})
	if err != nil {
		return nil, fmt.Errorf("create local track: %w", err)
	}
	pub, err := s.room.LocalParticipant.PublishTrack(local, &lksdk.TrackPublicationOptions{Name: name})
	if err != nil {
		return nil, fmt.Errorf("publish track: %w", err)
	}

	track := &lkTrack{
		id:       pub.SID(),
		listener: listener,
		local:    local,
		pub:      pub,
		session:  s,
	}
	s.mu.Lock()
	s.published[track.id] = track
	s.mu.Unlock()

	if err := s.applyTrackPermissions(); err != nil {
		s.log.Warn("subscription permission update failed", slog.String("error", err.Error()))
	}
	return track, nil
}

// applyTrackPermissions restricts each published track to its listener.
func (s *LiveKitSession) applyTrackPermissions() error {
	s.mu.Lock()
	byListener := make(map[string][]string)
	for id, t := range s.published {
		byListener[t.listener] = append(byListener[t.listener], id)
	}
	s.mu.Unlock()

	var perms []*livekit.TrackPermission
	for listener, sids := range byListener {
		perms = append(perms, &livekit.TrackPermission{
			ParticipantIdentity: listener,
			TrackSids:           sids,
		})
	}
	s.room.LocalParticipant.SetSubscriptionPermission(&livekit.SubscriptionPermission{
		AllParticipants:  false,
		TrackPermissions: perms,
	})
	return nil
}

func (s *LiveKitSession) UnpublishTrack(_ context.Context, trackID string) error {
	s.mu.Lock()
	_, ok := s.published[trackID]
	delete(s.published, trackID)
	s.mu.Unlock()
	if !ok {
		return ErrNoSuchTrack
	}
	if err := s.room.LocalParticipant.UnpublishTrack(trackID); err != nil {
		return fmt.Errorf("unpublish track: %w", err)
	}
	s.mu.Lock()
	for _, subs := range s.subscriptions {
		delete(subs, trackID)
	}
	s.mu.Unlock()
	if err := s.applyTrackPermissions(); err != nil {
		s.log.Warn("subscription permission update failed", slog.String("error", err.Error()))
	}
	return nil
}

func (s *LiveKitSession) Subscribe(ctx context.Context, listener, trackID string) error {
	_, err := s.service.UpdateSubscriptions(ctx, &livekit.UpdateSubscriptionsRequest{
		Room:      s.roomName,
		Identity:  listener,
		TrackSids: []string{trackID},
		Subscribe: true,
	})
	if err != nil {
		return err
	}
	s.mu.Lock()
	if s.subscriptions[listener] == nil {
		s.subscriptions[listener] = make(map[string]bool)
	}
	s.subscriptions[listener][trackID] = true
	s.mu.Unlock()
	return nil
}

func (s *LiveKitSession) Unsubscribe(ctx context.Context, listener, trackID string) error {
	_, err := s.service.UpdateSubscriptions(ctx, &livekit.UpdateSubscriptionsRequest{
		Room:      s.roomName,
		Identity:  listener,
		TrackSids: []string{trackID},
		Subscribe: false,
	})
	if err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.subscriptions[listener], trackID)
	s.mu.Unlock()
	return nil
}

// Subscriptions reports which tracks a listener receives, from the local
// mirror maintained by Subscribe/Unsubscribe. Returning the live state is
// what makes re-applied topologies a no-op.
func (s *LiveKitSession) Subscriptions(listener string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	subs := s.subscriptions[listener]
	out := make([]string, 0, len(subs))
	for id := range subs {
		out = append(out, id)
	}
	return out
}

func (s *LiveKitSession) RawTrackID(speaker string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.rawTracks[speaker]
	return id, ok
}

func (s *LiveKitSession) SendControl(_ context.Context, listener string, payload []byte) error {
	return s.room.LocalParticipant.PublishDataPacket(
		lksdk.UserData(payload),
		lksdk.WithDataPublishReliable(true),
		lksdk.WithDataPublishDestination([]string{listener}),
	)
}

func (s *LiveKitSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	feeds := s.feeds
	s.feeds = make(map[string][]*memoryFeed)
	s.mu.Unlock()

	for _, list := range feeds {
		for _, feed := range list {
			feed.close()
		}
	}
	s.room.Disconnect()
	close(s.events)
	return nil
}

// WriteFrame pushes one synthesized frame as a media sample.
func (t *lkTrack) WriteFrame(_ context.Context, frame AudioFrame) error {
	duration := time.Duration(0)
	if frame.SampleRate > 0 && frame.Channels > 0 {
		samples := len(frame.PCM) / 2 / frame.Channels
		duration = time.Duration(samples) * time.Second / time.Duration(frame.SampleRate)
	}
	return t.local.WriteSample(media.Sample{Data: frame.PCM, Duration: duration}, nil)
}

func (t *lkTrack) ID() string { return t.id }

func (t *lkTrack) Close() error { return nil }
