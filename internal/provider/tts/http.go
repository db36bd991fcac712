package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/parlay-labs/interp-core/internal/provider"
)

// HTTPSynth posts text to a speak-style REST endpoint and streams the raw
// PCM response body back as ordered chunks.
type HTTPSynth struct {
	provider.Counters
	endpoint   string
	apiKey     string
	sampleRate int
	channels   int
	chunkBytes int
	client     *http.Client
}

func NewHTTPSynth(endpoint, apiKey string, sampleRate, channels, chunkDurationMS int) *HTTPSynth {
	if chunkDurationMS <= 0 {
		chunkDurationMS = 20
	}
	// 16-bit PCM.
	chunkBytes := sampleRate * channels * 2 * chunkDurationMS / 1000
	return &HTTPSynth{
		endpoint:   endpoint,
		apiKey:     apiKey,
		sampleRate: sampleRate,
		channels:   channels,
		chunkBytes: chunkBytes,
		client:     http.DefaultClient,
	}
}

type speakRequest struct {
	Text string `json:"text"`
}

func (h *HTTPSynth) Synthesize(ctx context.Context, req Request) (<-chan Chunk, <-chan error) {
	chunks := make(chan Chunk)
	errs := make(chan error, 1)
	h.RecordRequest()

	go func() {
		defer close(chunks)
		defer close(errs)

		body, err := json.Marshal(speakRequest{Text: req.Text})
		if err != nil {
			errs <- err
			return
		}

		u, err := url.Parse(h.endpoint)
		if err != nil {
			errs <- fmt.Errorf("%w: %v", provider.ErrInvalidInput, err)
			return
		}
		q := u.Query()
		q.Set("model", req.Voice)
		q.Set("encoding", "linear16")
		q.Set("sample_rate", fmt.Sprintf("%d", h.sampleRate))
		u.RawQuery = q.Encode()

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
		if err != nil {
			errs <- err
			return
		}
		httpReq.Header.Set("Content-Type", "application/json")
		if h.apiKey != "" {
			httpReq.Header.Set("Authorization", "Token "+h.apiKey)
		}

		resp, err := h.client.Do(httpReq)
		if err != nil {
			h.RecordFailure()
			if ctx.Err() != nil {
				errs <- ctx.Err()
				return
			}
			errs <- fmt.Errorf("%w: %v", provider.ErrUnavailable, err)
			return
		}
		defer resp.Body.Close()
		h.ConnOpened()
		defer h.ConnClosed()

		switch {
		case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusBadRequest:
			h.RecordFailure()
			errs <- provider.ErrVoiceUnavailable
			return
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			h.RecordFailure()
			errs <- provider.ErrAuthFailure
			return
		case resp.StatusCode == http.StatusTooManyRequests:
			h.RecordFailure()
			errs <- provider.ErrRateLimited
			return
		case resp.StatusCode >= 300:
			h.RecordFailure()
			errs <- fmt.Errorf("%w: status %s", provider.ErrUnavailable, resp.Status)
			return
		}

		buf := make([]byte, h.chunkBytes)
		sequence := 0
		for {
			n, readErr := io.ReadFull(resp.Body, buf)
			if n > 0 {
				chunk := Chunk{
					Sequence:   sequence,
					SampleRate: h.sampleRate,
					Channels:   h.channels,
					PCM:        append([]byte(nil), buf[:n]...),
					Final:      readErr != nil,
				}
				select {
				case <-ctx.Done():
					errs <- ctx.Err()
					return
				case chunks <- chunk:
				}
				sequence++
			}
			if readErr != nil {
				if readErr != io.EOF && readErr != io.ErrUnexpectedEOF {
					h.RecordFailure()
					errs <- fmt.Errorf("%w: %v", provider.ErrUnavailable, readErr)
				}
				return
			}
		}
	}()
	return chunks, errs
}

func (h *HTTPSynth) Health(ctx context.Context) error {
	if h.endpoint == "" {
		return provider.ErrUnavailable
	}
	return nil
}

func (h *HTTPSynth) Close() error { return nil }
