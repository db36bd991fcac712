package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/parlay-labs/interp-core/internal/lang"
	"github.com/parlay-labs/interp-core/internal/provider"
)

// WebsocketOpener streams audio to a Deepgram-style websocket listen
// endpoint. Session options are pinned to the interpretation contract:
// interims on, punctuation/smart-format/profanity off, language supplied by
// the caller, utterance-end window bounded.
type WebsocketOpener struct {
	provider.Counters
	endpoint       string
	apiKey         string
	utteranceEndMS int
	dialer         *websocket.Dialer
}

func NewWebsocketOpener(endpoint, apiKey string, utteranceEndMS int) *WebsocketOpener {
	if utteranceEndMS <= 0 || utteranceEndMS > 500 {
		utteranceEndMS = 500
	}
	return &WebsocketOpener{
		endpoint:       endpoint,
		apiKey:         apiKey,
		utteranceEndMS: utteranceEndMS,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 5 * time.Second,
		},
	}
}

func (o *WebsocketOpener) Open(ctx context.Context, language lang.Tag) (Stream, error) {
	if !lang.IsSupported(language) {
		return nil, provider.ErrLanguageUnsupported
	}
	o.RecordRequest()

	u, err := url.Parse(o.endpoint)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", provider.ErrInvalidInput, err)
	}
	q := u.Query()
	q.Set("language", string(language))
	q.Set("interim_results", "true")
	q.Set("punctuate", "false")
	q.Set("smart_format", "false")
	q.Set("profanity_filter", "false")
	q.Set("detect_language", "false")
	q.Set("vad_events", "true")
	q.Set("utterance_end_ms", strconv.Itoa(o.utteranceEndMS))
	u.RawQuery = q.Encode()

	header := http.Header{}
	if o.apiKey != "" {
		header.Set("Authorization", "Token "+o.apiKey)
	}

	conn, resp, err := o.dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		o.RecordFailure()
		if resp != nil {
			switch resp.StatusCode {
			case http.StatusUnauthorized, http.StatusForbidden:
				return nil, provider.ErrAuthFailure
			case http.StatusTooManyRequests:
				return nil, provider.ErrRateLimited
			}
		}
		return nil, fmt.Errorf("%w: %v", provider.ErrUnavailable, err)
	}
	o.ConnOpened()

	s := &wsStream{
		opener:  o,
		conn:    conn,
		results: make(chan Result, 64),
	}
	go s.readLoop()
	return s, nil
}

func (o *WebsocketOpener) Health(ctx context.Context) error {
	// A listen endpoint has no cheap health probe; report healthy unless
	// construction-level config is missing.
	if o.endpoint == "" {
		return provider.ErrUnavailable
	}
	return nil
}

func (o *WebsocketOpener) Close() error { return nil }

type wsStream struct {
	opener  *WebsocketOpener
	conn    *websocket.Conn
	results chan Result
	seg     segmenter

	mu     sync.Mutex
	closed bool
}

// wsEvent covers the two event shapes the listen endpoint emits.
type wsEvent struct {
	Type     string  `json:"type"`
	IsFinal  bool    `json:"is_final"`
	Start    float64 `json:"start"`
	Duration float64 `json:"duration"`
	Channel  struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

func (s *wsStream) Push(_ context.Context, frame Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return provider.ErrClosed
	}
	if err := s.conn.WriteMessage(websocket.BinaryMessage, frame.PCM); err != nil {
		return fmt.Errorf("%w: %v", provider.ErrUnavailable, err)
	}
	return nil
}

func (s *wsStream) Results() <-chan Result { return s.results }

func (s *wsStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	deadline := time.Now().Add(time.Second)
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	err := s.conn.Close()
	s.opener.ConnClosed()
	return err
}

func (s *wsStream) readLoop() {
	defer close(s.results)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		var evt wsEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			s.opener.RecordFailure()
			continue
		}
		switch evt.Type {
		case "Results":
			if len(evt.Channel.Alternatives) == 0 {
				continue
			}
			alt := evt.Channel.Alternatives[0]
			if alt.Transcript == "" && !evt.IsFinal {
				continue
			}
			r := Result{
				Text:       alt.Transcript,
				IsFinal:    evt.IsFinal,
				Confidence: alt.Confidence,
				StartMS:    int64(evt.Start * 1000),
				EndMS:      int64((evt.Start + evt.Duration) * 1000),
			}
			s.seg.stamp(&r)
			s.results <- r
		case "UtteranceEnd":
			r := Result{UtteranceEnd: true}
			s.seg.stamp(&r)
			s.results <- r
		}
	}
}
