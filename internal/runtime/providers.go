package runtime

import (
	"fmt"

	"github.com/parlay-labs/interp-core/internal/config"
	"github.com/parlay-labs/interp-core/internal/provider/stt"
	"github.com/parlay-labs/interp-core/internal/provider/translate"
	"github.com/parlay-labs/interp-core/internal/provider/tts"
)

func buildSTT(cfg config.STTConfig) (stt.Opener, error) {
	switch cfg.Mode {
	case "mock":
		return stt.NewMockOpener(), nil
	case "exec":
		return stt.NewExecOpener(cfg.Command, cfg.SampleRate, cfg.Channels)
	case "websocket":
		return stt.NewWebsocketOpener(cfg.Endpoint, cfg.APIKey, cfg.UtteranceEndMS), nil
	case "vad":
		return stt.NewVADOpener(cfg.Command, cfg.SampleRate, cfg.Channels, cfg.UtteranceEndMS)
	}
	return nil, fmt.Errorf("unknown stt mode %q", cfg.Mode)
}

func buildTranslator(cfg config.TranslatorConfig) (translate.Translator, error) {
	switch cfg.Mode {
	case "mock":
		return translate.NewMockTranslator(), nil
	case "ollama":
		return translate.NewOllamaTranslator(cfg.Endpoint, cfg.Model, cfg.MaxTokens, cfg.Temperature), nil
	case "exec":
		return translate.NewExecTranslator(cfg.Command)
	}
	return nil, fmt.Errorf("unknown translator mode %q", cfg.Mode)
}

// buildSynths registers the configured synthesizer under its mode name; the
// voice catalog's provider column selects from this map.
func buildSynths(cfg config.TTSConfig) (map[string]tts.Synthesizer, string, error) {
	synths := make(map[string]tts.Synthesizer)
	switch cfg.Mode {
	case "mock":
		synths["mock"] = tts.NewMockSynth(cfg.SampleRate, cfg.Channels)
	case "exec":
		s, err := tts.NewExecSynth(cfg.Command, cfg.SampleRate, cfg.Channels)
		if err != nil {
			return nil, "", err
		}
		synths["exec"] = s
	case "http":
		synths["http"] = tts.NewHTTPSynth(cfg.Endpoint, cfg.APIKey, cfg.SampleRate, cfg.Channels, cfg.ChunkDurationMS)
	default:
		return nil, "", fmt.Errorf("unknown tts mode %q", cfg.Mode)
	}
	return synths, cfg.Mode, nil
}
