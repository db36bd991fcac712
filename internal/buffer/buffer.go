// Package buffer manages the per-pipeline segment flow between STT and TTS:
// it decides when to translate, enforces the latency ceiling, and feeds
// completed translations to the synthesizer in strict segment order.
package buffer

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/parlay-labs/interp-core/internal/lang"
	"github.com/parlay-labs/interp-core/internal/provider"
	"github.com/parlay-labs/interp-core/internal/provider/stt"
	"github.com/parlay-labs/interp-core/internal/provider/translate"
)

// Status tracks a segment through its lifecycle.
type Status int

const (
	StatusOpen Status = iota
	StatusTranslating
	StatusSpoken
	StatusDropped
)

func (s Status) String() string {
	switch s {
	case StatusOpen:
		return "open"
	case StatusTranslating:
		return "translating"
	case StatusSpoken:
		return "spoken"
	case StatusDropped:
		return "dropped"
	}
	return "unknown"
}

// Segment is one contiguous utterance unit, tracked from first interim to
// emission or drop.
type Segment struct {
	ID          string
	InterimText string
	FinalText   string
	FirstSeenAt time.Time
	FinalizedAt time.Time
	Status      Status

	// Translation state.
	translatedText  string
	translatedFrom  string // "interim" or "final"
	lastSubmitted   string
	lastInterimAt   time.Time
	emitted         bool
	finalInFlight   bool
	interimInFlight bool
}

// deadline is the soft ceiling on TTS start for this segment.
func (s *Segment) deadline(maxDelay time.Duration) time.Time {
	return s.FirstSeenAt.Add(maxDelay)
}

// SpeakJob is one ordered unit of speech handed to the TTS writer.
type SpeakJob struct {
	SegmentID   string
	Text        string
	FirstSeenAt time.Time
	Deadline    time.Time
}

// Config carries the latency policy knobs.
type Config struct {
	MaxDelay       time.Duration
	InterimTrigger time.Duration
	UtteranceEnd   time.Duration
	OutCapacity    int
	Retry          provider.RetryPolicy
	Source         lang.Tag
	Target         lang.Tag
	Preferences    translate.Preferences
}

type completion struct {
	segmentID string
	from      string
	text      string
	err       error
}

// Buffer owns the segment map for one pipeline. All mutation happens on the
// Run goroutine; the segment map is single-writer by construction.
type Buffer struct {
	cfg        Config
	translator translate.Translator
	log        *slog.Logger
	clock      func() time.Time

	segments map[string]*Segment
	order    []*Segment
	slot     int

	cancels     map[string]context.CancelFunc
	completions chan completion
	out         chan SpeakJob

	stats Stats
	wg    sync.WaitGroup
}

// New builds a buffer for one (speaker -> listener) direction.
func New(cfg Config, translator translate.Translator, log *slog.Logger) *Buffer {
	if cfg.OutCapacity <= 0 {
		cfg.OutCapacity = 8
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = provider.DefaultRetryPolicy()
	}
	return &Buffer{
		cfg:         cfg,
		translator:  translator,
		log:         log.With(slog.String("component", "translation-buffer")),
		clock:       time.Now,
		segments:    make(map[string]*Segment),
		cancels:     make(map[string]context.CancelFunc),
		completions: make(chan completion, 32),
		out:         make(chan SpeakJob, cfg.OutCapacity),
	}
}

// Out yields speak jobs in segment order. Closed when Run returns.
func (b *Buffer) Out() <-chan SpeakJob { return b.out }

// StatsSnapshot returns current counters.
func (b *Buffer) StatsSnapshot() StatsSnapshot { return b.stats.snapshot() }

// RecordFirstAudio is called by the TTS writer when a segment's first audio
// frame is emitted; it closes the first-seen to first-audio latency
// measurement.
func (b *Buffer) RecordFirstAudio(job SpeakJob, at time.Time) {
	b.stats.recordLatency(at.Sub(job.FirstSeenAt))
}

// Run consumes STT results until the channel closes, then flushes segments
// whose deadlines have not passed and returns. The out channel is closed on
// return.
func (b *Buffer) Run(ctx context.Context, results <-chan stt.Result) {
	ticker := time.NewTicker(25 * time.Millisecond)
	defer ticker.Stop()
	defer close(b.out)
	defer b.cancelAll()

	draining := false
	for {
		if draining && b.pendingCount() == 0 {
			return
		}
		select {
		case <-ctx.Done():
			return
		case r, ok := <-results:
			if !ok {
				results = nil
				draining = true
				continue
			}
			b.handleResult(ctx, r)
		case c := <-b.completions:
			b.handleCompletion(c)
		case <-ticker.C:
			b.tick(ctx)
		}
		b.emitReady()
		b.stats.setPending(b.pendingCount())
	}
}

func (b *Buffer) cancelAll() {
	for id, cancel := range b.cancels {
		cancel()
		delete(b.cancels, id)
	}
	b.wg.Wait()
}

// pendingCount reports segments not yet spoken or dropped.
func (b *Buffer) pendingCount() int {
	n := 0
	for _, s := range b.order[min(b.slot, len(b.order)):] {
		if s.Status == StatusOpen || s.Status == StatusTranslating {
			n++
		}
	}
	return n
}

func (b *Buffer) handleResult(ctx context.Context, r stt.Result) {
	now := b.clock()

	if r.UtteranceEnd {
		// Utterance end finalizes the open segment with its last interim.
		if s := b.openSegment(r.SegmentID); s != nil && s.InterimText != "" {
			b.finalize(ctx, s, s.InterimText, now)
		}
		return
	}
	if strings.TrimSpace(r.Text) == "" {
		return
	}

	s, ok := b.segments[r.SegmentID]
	if !ok {
		s = &Segment{
			ID:          r.SegmentID,
			FirstSeenAt: now,
			Status:      StatusOpen,
		}
		b.segments[r.SegmentID] = s
		b.insert(s)
	}

	if r.IsFinal {
		b.finalize(ctx, s, r.Text, now)
		return
	}

	// A final already won; late interims for the segment are noise.
	if s.FinalText != "" {
		return
	}
	if r.Text != s.InterimText {
		s.InterimText = r.Text
		s.lastInterimAt = now
	}

	age := now.Sub(s.FirstSeenAt)
	if age >= b.cfg.InterimTrigger && materiallyDifferent(s.lastSubmitted, s.InterimText) {
		b.startTranslation(ctx, s, s.InterimText, "interim")
	}
}

// openSegment resolves which segment an utterance-end applies to: the given
// id when known, otherwise the most recent open segment.
func (b *Buffer) openSegment(segmentID string) *Segment {
	if s, ok := b.segments[segmentID]; ok && s.Status == StatusOpen {
		return s
	}
	for i := len(b.order) - 1; i >= 0; i-- {
		if b.order[i].Status == StatusOpen {
			return b.order[i]
		}
	}
	return nil
}

func (b *Buffer) finalize(ctx context.Context, s *Segment, text string, now time.Time) {
	if s.FinalText != "" || s.Status == StatusDropped || s.emitted {
		// Already finalized, dropped, or provisional audio is speaking; a
		// differing late final is dropped to preserve ordering.
		return
	}
	s.FinalText = text
	s.FinalizedAt = now

	// A provisional translation of the identical text is promoted instead
	// of retranslated.
	if s.translatedFrom == "interim" && s.translatedText != "" && s.lastSubmitted == text {
		s.translatedFrom = "final"
		return
	}

	// Cancel the provisional interim translation before it is spoken.
	if s.interimInFlight {
		if cancel, ok := b.cancels[s.ID]; ok {
			cancel()
			delete(b.cancels, s.ID)
		}
		s.interimInFlight = false
	}
	b.startTranslation(ctx, s, text, "final")
}

func (b *Buffer) startTranslation(ctx context.Context, s *Segment, text, from string) {
	if from == "interim" && (s.interimInFlight || s.finalInFlight) {
		return
	}
	if from == "final" && s.finalInFlight {
		return
	}
	// Replace any older in-flight work for the segment.
	if cancel, ok := b.cancels[s.ID]; ok {
		cancel()
	}

	deadline := s.deadline(b.cfg.MaxDelay)
	tctx, cancel := context.WithDeadline(ctx, deadline)
	b.cancels[s.ID] = cancel

	s.Status = StatusTranslating
	s.lastSubmitted = text
	if from == "final" {
		s.finalInFlight = true
		s.interimInFlight = false
	} else {
		s.interimInFlight = true
	}

	req := translate.Request{
		Text:           text,
		SourceLanguage: b.cfg.Source,
		TargetLanguage: b.cfg.Target,
		Preferences:    b.cfg.Preferences,
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer cancel()
		translated, err := provider.Retry(tctx, b.cfg.Retry, nil, func() (string, error) {
			return b.translator.Translate(tctx, req)
		})
		select {
		case b.completions <- completion{segmentID: s.ID, from: from, text: translated, err: err}:
		case <-ctx.Done():
		}
	}()
}

func (b *Buffer) handleCompletion(c completion) {
	s, ok := b.segments[c.segmentID]
	if !ok || s.Status == StatusDropped || s.emitted {
		return
	}
	delete(b.cancels, c.segmentID)

	if c.from == "final" {
		s.finalInFlight = false
	} else {
		s.interimInFlight = false
	}

	if c.err != nil {
		// Interim failures are tolerated: a cancelled provisional is the
		// normal supersession path, and otherwise the final may still land.
		if c.from == "interim" {
			return
		}
		// The final's context carries the segment deadline: running out of
		// it is a missed deadline, not a provider failure.
		if errors.Is(c.err, context.DeadlineExceeded) {
			b.stats.recordMissed()
			b.drop(s)
			return
		}
		b.log.Warn("translation failed",
			slog.String("segment", s.ID),
			slog.String("error", c.err.Error()))
		b.stats.recordFailed()
		b.drop(s)
		return
	}

	// A provisional result that lost the race to a final is discarded.
	if c.from == "interim" && (s.FinalText != "" || s.finalInFlight) {
		return
	}

	s.translatedText = c.text
	s.translatedFrom = c.from
}

func (b *Buffer) tick(ctx context.Context) {
	now := b.clock()

	// Silence gap: a segment whose interim has been stable for the
	// utterance-end window is treated as final.
	for _, s := range b.order {
		if s.FinalText == "" && !s.emitted && s.Status != StatusDropped && s.InterimText != "" &&
			!s.lastInterimAt.IsZero() && now.Sub(s.lastInterimAt) >= b.cfg.UtteranceEnd {
			b.finalize(ctx, s, s.InterimText, now)
		}
	}

	// Deadline sweep: anything unspoken past its ceiling is dropped, slot
	// consumed, so successors play in their natural place.
	for i := b.slot; i < len(b.order); i++ {
		s := b.order[i]
		if s.emitted || s.Status == StatusDropped {
			continue
		}
		if now.After(s.deadline(b.cfg.MaxDelay)) {
			if cancel, ok := b.cancels[s.ID]; ok {
				cancel()
				delete(b.cancels, s.ID)
			}
			b.stats.recordMissed()
			b.drop(s)
		}
	}
}

func (b *Buffer) drop(s *Segment) {
	s.Status = StatusDropped
	s.translatedText = ""
}

// emitReady walks the slot pointer, speaking resolved segments in order.
// A segment still waiting blocks its successors; the deadline sweep is what
// unblocks a stuck slot.
func (b *Buffer) emitReady() {
	now := b.clock()
	for b.slot < len(b.order) {
		s := b.order[b.slot]

		if s.Status == StatusDropped {
			b.slot++
			continue
		}
		if s.emitted {
			b.slot++
			continue
		}
		if s.translatedText == "" {
			return
		}
		// Provisional translations wait out the remaining budget for a
		// final; finals speak immediately.
		if s.translatedFrom == "interim" && s.FinalText == "" {
			remaining := s.deadline(b.cfg.MaxDelay).Sub(now)
			if remaining > 50*time.Millisecond {
				return
			}
		}
		deadline := s.deadline(b.cfg.MaxDelay)
		if now.After(deadline) {
			b.stats.recordMissed()
			b.drop(s)
			b.slot++
			continue
		}
		job := SpeakJob{SegmentID: s.ID, Text: s.translatedText, FirstSeenAt: s.FirstSeenAt, Deadline: deadline}
		select {
		case b.out <- job:
			s.Status = StatusSpoken
			s.emitted = true
			b.stats.recordCompleted()
			b.slot++
		default:
			// TTS sink saturated. Leave the segment pending; the deadline
			// sweep drops it rather than blocking STT ingress.
			return
		}
	}
}

// insert keeps order sorted by (FirstSeenAt, ID).
func (b *Buffer) insert(s *Segment) {
	idx := sort.Search(len(b.order), func(i int) bool {
		o := b.order[i]
		if o.FirstSeenAt.Equal(s.FirstSeenAt) {
			return o.ID > s.ID
		}
		return o.FirstSeenAt.After(s.FirstSeenAt)
	})
	b.order = append(b.order, nil)
	copy(b.order[idx+1:], b.order[idx:])
	b.order[idx] = s
}

// materiallyDifferent gates interim retranslation: at least two words of
// drift, or enough character-level churn to change the content.
func materiallyDifferent(last, current string) bool {
	if last == "" {
		return current != ""
	}
	if last == current {
		return false
	}
	lastWords := len(strings.Fields(last))
	curWords := len(strings.Fields(current))
	delta := curWords - lastWords
	if delta < 0 {
		delta = -delta
	}
	if delta >= 2 {
		return true
	}
	return editDistance(last, current) >= 8
}

// editDistance is a plain Levenshtein over runes.
func editDistance(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	if len(ra) == 0 {
		return len(rb)
	}
	if len(rb) == 0 {
		return len(ra)
	}
	prev := make([]int, len(rb)+1)
	cur := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		cur[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			cur[j] = min(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[len(rb)]
}
