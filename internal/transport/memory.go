package transport

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemorySession is an in-process RoomSession used by tests and local
// development. Tests drive joins, leaves, metadata updates, and speaker
// audio, and observe subscriptions, published tracks, and control messages.
type MemorySession struct {
	roomName string

	mu            sync.Mutex
	participants  map[string]Participant
	events        chan Event
	rawTracks     map[string]string   // identity -> raw track id
	subscriptions map[string]map[string]bool
	published     map[string]*MemoryTrack // track id -> track
	feeds         map[string][]*memoryFeed
	control       map[string][][]byte
	trackSeq      int
	closed        bool
}

// NewMemorySession creates an empty in-process room.
func NewMemorySession(roomName string) *MemorySession {
	return &MemorySession{
		roomName:      roomName,
		participants:  make(map[string]Participant),
		events:        make(chan Event, 64),
		rawTracks:     make(map[string]string),
		subscriptions: make(map[string]map[string]bool),
		published:     make(map[string]*MemoryTrack),
		feeds:         make(map[string][]*memoryFeed),
		control:       make(map[string][][]byte),
	}
}

// RoomName returns the room this session is bound to.
func (m *MemorySession) RoomName() string { return m.roomName }

// Join adds a participant with a published raw track and emits the event.
func (m *MemorySession) Join(identity string, meta ParticipantMeta) {
	m.mu.Lock()
	m.participants[identity] = Participant{Identity: identity, Meta: meta, JoinedAt: time.Now()}
	m.rawTracks[identity] = "raw-" + identity
	if m.subscriptions[identity] == nil {
		m.subscriptions[identity] = make(map[string]bool)
	}
	m.mu.Unlock()
	m.emit(Event{Kind: ParticipantJoined, Identity: identity, Meta: meta})
}

// Leave removes a participant and emits the event.
func (m *MemorySession) Leave(identity string) {
	m.mu.Lock()
	meta := m.participants[identity].Meta
	delete(m.participants, identity)
	delete(m.rawTracks, identity)
	delete(m.subscriptions, identity)
	for _, feed := range m.feeds[identity] {
		feed.close()
	}
	delete(m.feeds, identity)
	m.mu.Unlock()
	m.emit(Event{Kind: ParticipantLeft, Identity: identity, Meta: meta})
}

// UpdateMetadata replaces a participant's metadata and emits the event.
func (m *MemorySession) UpdateMetadata(identity string, meta ParticipantMeta) {
	m.mu.Lock()
	p, ok := m.participants[identity]
	if ok {
		p.Meta = meta
		m.participants[identity] = p
	}
	m.mu.Unlock()
	if ok {
		m.emit(Event{Kind: MetadataChanged, Identity: identity, Meta: meta})
	}
}

// PushSpeakerAudio delivers a PCM frame to every open feed for the speaker.
func (m *MemorySession) PushSpeakerAudio(speaker string, frame AudioFrame) {
	m.mu.Lock()
	feeds := append([]*memoryFeed(nil), m.feeds[speaker]...)
	m.mu.Unlock()
	for _, feed := range feeds {
		feed.push(frame)
	}
}

func (m *MemorySession) emit(evt Event) {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return
	}
	m.events <- evt
}

func (m *MemorySession) Events() <-chan Event { return m.events }

func (m *MemorySession) Participants() []Participant {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Participant, 0, len(m.participants))
	for _, p := range m.participants {
		out = append(out, p)
	}
	return out
}

func (m *MemorySession) OpenSpeakerFeed(_ context.Context, speaker string) (AudioFeed, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.participants[speaker]; !ok {
		return nil, ErrNoSuchParticipant
	}
	feed := &memoryFeed{frames: make(chan AudioFrame, 256)}
	m.feeds[speaker] = append(m.feeds[speaker], feed)
	return feed, nil
}

func (m *MemorySession) PublishTrack(_ context.Context, listener, name string) (TrackWriter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trackSeq++
	track := &MemoryTrack{
		id:       fmt.Sprintf("trk-%d-%s", m.trackSeq, name),
		listener: listener,
		name:     name,
	}
	m.published[track.id] = track
	return track, nil
}

func (m *MemorySession) UnpublishTrack(_ context.Context, trackID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.published[trackID]; !ok {
		return ErrNoSuchTrack
	}
	delete(m.published, trackID)
	for _, subs := range m.subscriptions {
		delete(subs, trackID)
	}
	return nil
}

func (m *MemorySession) Subscribe(_ context.Context, listener, trackID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	subs, ok := m.subscriptions[listener]
	if !ok {
		return ErrNoSuchParticipant
	}
	if !m.trackExistsLocked(trackID) {
		return ErrNoSuchTrack
	}
	subs[trackID] = true
	return nil
}

func (m *MemorySession) Unsubscribe(_ context.Context, listener, trackID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	subs, ok := m.subscriptions[listener]
	if !ok {
		return ErrNoSuchParticipant
	}
	delete(subs, trackID)
	return nil
}

func (m *MemorySession) trackExistsLocked(trackID string) bool {
	if _, ok := m.published[trackID]; ok {
		return true
	}
	for _, raw := range m.rawTracks {
		if raw == trackID {
			return true
		}
	}
	return false
}

func (m *MemorySession) Subscriptions(listener string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := m.subscriptions[listener]
	out := make([]string, 0, len(subs))
	for id := range subs {
		out = append(out, id)
	}
	return out
}

func (m *MemorySession) RawTrackID(speaker string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.rawTracks[speaker]
	return id, ok
}

func (m *MemorySession) SendControl(_ context.Context, listener string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.participants[listener]; !ok {
		return ErrNoSuchParticipant
	}
	m.control[listener] = append(m.control[listener], append([]byte(nil), payload...))
	return nil
}

// ControlMessages returns the payloads delivered to a listener.
func (m *MemorySession) ControlMessages(listener string) [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]byte(nil), m.control[listener]...)
}

// PublishedTracks lists the currently published pipeline tracks.
func (m *MemorySession) PublishedTracks() []*MemoryTrack {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*MemoryTrack, 0, len(m.published))
	for _, t := range m.published {
		out = append(out, t)
	}
	return out
}

// Track resolves a published track by id.
func (m *MemorySession) Track(trackID string) (*MemoryTrack, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.published[trackID]
	return t, ok
}

func (m *MemorySession) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	feeds := m.feeds
	m.feeds = make(map[string][]*memoryFeed)
	m.mu.Unlock()

	for _, list := range feeds {
		for _, feed := range list {
			feed.close()
		}
	}
	close(m.events)
	return nil
}

type memoryFeed struct {
	mu     sync.Mutex
	frames chan AudioFrame
	closed bool
}

func (f *memoryFeed) push(frame AudioFrame) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	select {
	case f.frames <- frame:
	default:
		// Feed consumer stalled; raw ingress never blocks.
	}
}

func (f *memoryFeed) Frames() <-chan AudioFrame { return f.frames }

func (f *memoryFeed) close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	close(f.frames)
}

func (f *memoryFeed) Close() error {
	f.close()
	return nil
}

// MemoryTrack records written frames for assertions.
type MemoryTrack struct {
	id       string
	listener string
	name     string

	mu     sync.Mutex
	frames []AudioFrame
	writes []time.Time
}

func (t *MemoryTrack) ID() string       { return t.id }
func (t *MemoryTrack) Listener() string { return t.listener }
func (t *MemoryTrack) Name() string     { return t.name }

func (t *MemoryTrack) WriteFrame(_ context.Context, frame AudioFrame) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.frames = append(t.frames, frame)
	t.writes = append(t.writes, time.Now())
	return nil
}

func (t *MemoryTrack) Close() error { return nil }

// Frames returns the frames written so far in write order.
func (t *MemoryTrack) Frames() []AudioFrame {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]AudioFrame(nil), t.frames...)
}
