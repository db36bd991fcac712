package translate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/parlay-labs/interp-core/internal/lang"
	"github.com/parlay-labs/interp-core/internal/provider"
)

func TestMockTranslatorMarksLanguagePair(t *testing.T) {
	m := NewMockTranslator()
	out, err := m.Translate(context.Background(), Request{
		Text:           "hola",
		SourceLanguage: lang.Spanish,
		TargetLanguage: lang.English,
	})
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	if out != "[es->en] hola" {
		t.Fatalf("unexpected translation %q", out)
	}
}

func TestMockTranslatorRejectsEmptyInput(t *testing.T) {
	m := NewMockTranslator()
	if _, err := m.Translate(context.Background(), Request{}); !errors.Is(err, provider.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestMockTranslatorHonorsCancellation(t *testing.T) {
	m := NewMockTranslator()
	m.SetLatency(time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := m.Translate(ctx, Request{Text: "hola", SourceLanguage: lang.Spanish, TargetLanguage: lang.English})
		done <- err
	}()
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("cancellation was not honored promptly")
	}
}

func TestExecTranslatorValidatesCommand(t *testing.T) {
	if _, err := NewExecTranslator(""); err == nil {
		t.Fatal("empty command must be rejected")
	}
	if _, err := NewExecTranslator("translate-cli --fast"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
