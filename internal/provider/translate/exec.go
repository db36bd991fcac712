package translate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/mattn/go-shellwords"

	"github.com/parlay-labs/interp-core/internal/provider"
)

// ExecTranslator shells out per request: JSON request on stdin, JSON
// response on stdout.
type ExecTranslator struct {
	provider.Counters
	cmd []string
}

type execRequest struct {
	Text            string `json:"text"`
	SourceLanguage  string `json:"source_language"`
	TargetLanguage  string `json:"target_language"`
	FormalTone      bool   `json:"formal_tone"`
	PreserveEmotion bool   `json:"preserve_emotion"`
}

type execResponse struct {
	TranslatedText string `json:"translated_text"`
}

func NewExecTranslator(command string) (*ExecTranslator, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse translator command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("translator command empty")
	}
	return &ExecTranslator{cmd: args}, nil
}

func (e *ExecTranslator) Translate(ctx context.Context, req Request) (string, error) {
	if strings.TrimSpace(req.Text) == "" {
		return "", provider.ErrInvalidInput
	}
	e.RecordRequest()

	payload, err := json.Marshal(execRequest{
		Text:            req.Text,
		SourceLanguage:  string(req.SourceLanguage),
		TargetLanguage:  string(req.TargetLanguage),
		FormalTone:      req.Preferences.FormalTone,
		PreserveEmotion: req.Preferences.PreserveEmotion,
	})
	if err != nil {
		return "", err
	}

	base := e.cmd[0]
	args := append([]string{}, e.cmd[1:]...)
	cmd := exec.CommandContext(ctx, base, args...)
	cmd.Stdin = bytes.NewReader(payload)
	out, err := cmd.Output()
	if err != nil {
		e.RecordFailure()
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("%w: %v", provider.ErrUnavailable, err)
	}

	var resp execResponse
	if err := json.Unmarshal(bytes.TrimSpace(out), &resp); err != nil {
		e.RecordFailure()
		return "", fmt.Errorf("%w: %v", provider.ErrUnavailable, err)
	}
	return resp.TranslatedText, nil
}

func (e *ExecTranslator) Health(context.Context) error { return nil }

func (e *ExecTranslator) Close() error { return nil }
