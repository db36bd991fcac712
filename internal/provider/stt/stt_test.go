package stt

import (
	"context"
	"encoding/binary"
	"math"
	"testing"

	"github.com/parlay-labs/interp-core/internal/lang"
	"github.com/parlay-labs/interp-core/internal/provider"
)

func TestSegmenterRollsOverOnFinal(t *testing.T) {
	var seg segmenter

	interim1 := Result{Text: "hol"}
	seg.stamp(&interim1)
	interim2 := Result{Text: "hola"}
	seg.stamp(&interim2)
	if interim1.SegmentID != interim2.SegmentID {
		t.Fatal("interims must share a segment id")
	}

	final := Result{Text: "hola amigo", IsFinal: true}
	seg.stamp(&final)
	if final.SegmentID != interim1.SegmentID {
		t.Fatal("the final closes the same segment")
	}

	next := Result{Text: "otra"}
	seg.stamp(&next)
	if next.SegmentID == final.SegmentID {
		t.Fatal("a new segment must start after the final")
	}
}

func TestSegmenterRollsOverOnUtteranceEnd(t *testing.T) {
	var seg segmenter

	interim := Result{Text: "hola"}
	seg.stamp(&interim)
	end := Result{UtteranceEnd: true}
	seg.stamp(&end)
	if end.SegmentID != interim.SegmentID {
		t.Fatal("utterance end closes the open segment")
	}

	next := Result{Text: "mas"}
	seg.stamp(&next)
	if next.SegmentID == interim.SegmentID {
		t.Fatal("segment id must roll over after utterance end")
	}
}

func TestMockOpenerRejectsUnknownLanguage(t *testing.T) {
	opener := NewMockOpener()
	if _, err := opener.Open(context.Background(), lang.Tag("xx")); err != provider.ErrLanguageUnsupported {
		t.Fatalf("expected ErrLanguageUnsupported, got %v", err)
	}
}

func TestMockStreamLifecycle(t *testing.T) {
	opener := NewMockOpener()
	s, err := opener.Open(context.Background(), lang.Spanish)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	stream := s.(*MockStream)

	if err := stream.Push(context.Background(), Frame{PCM: []byte{1, 2}}); err != nil {
		t.Fatalf("push: %v", err)
	}
	stream.Emit(Result{Text: "hola", IsFinal: true})
	r := <-stream.Results()
	if r.Text != "hola" || r.SegmentID == "" {
		t.Fatalf("unexpected result %+v", r)
	}

	if err := stream.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := stream.Push(context.Background(), Frame{}); err != provider.ErrClosed {
		t.Fatalf("push after close should fail with ErrClosed, got %v", err)
	}
	if _, ok := <-stream.Results(); ok {
		t.Fatal("results channel should be closed")
	}
}

func sine(samples int, amplitude float64) []byte {
	out := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		v := int16(amplitude * math.Sin(float64(i)/8*2*math.Pi))
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}

func TestRMSEnergyDistinguishesSpeechFromSilence(t *testing.T) {
	loud := rmsEnergy(sine(320, 8000))
	quiet := rmsEnergy(make([]byte, 640))
	if loud <= vadEnergyThreshold {
		t.Fatalf("loud signal below threshold: %f", loud)
	}
	if quiet >= vadEnergyThreshold {
		t.Fatalf("silence above threshold: %f", quiet)
	}
}

func TestVADOpenerValidatesCommand(t *testing.T) {
	if _, err := NewVADOpener("", 16000, 1, 500); err == nil {
		t.Fatal("empty command must be rejected")
	}
	if _, err := NewVADOpener("whisper-batch --model tiny", 16000, 1, 500); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
