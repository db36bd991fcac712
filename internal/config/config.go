package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	WorkerName   string             `yaml:"worker_name"`
	Environment  string             `yaml:"environment"`
	HTTP         HTTPConfig         `yaml:"http"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`
	Bus          BusConfig          `yaml:"bus"`
	Transport    TransportConfig    `yaml:"transport"`
	Store        StoreConfig        `yaml:"store"`
	STT          STTConfig          `yaml:"stt"`
	Translator   TranslatorConfig   `yaml:"translator"`
	TTS          TTSConfig          `yaml:"tts"`
	Pipeline     PipelineConfig     `yaml:"pipeline"`
	ProfileCache ProfileCacheConfig `yaml:"profile_cache"`
	Worker       WorkerConfig       `yaml:"worker"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

// TransportConfig selects and parameterizes the media transport. Mode
// "livekit" talks to a LiveKit deployment; mode "memory" runs the in-process
// fake used by tests and local development.
type TransportConfig struct {
	Mode      string `yaml:"mode"`
	URL       string `yaml:"url"`
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
}

type StoreConfig struct {
	Path          string `yaml:"path"`
	SeedVoices    bool   `yaml:"seed_voices"`
	RoomIdleMin   int    `yaml:"room_idle_minutes"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type STTConfig struct {
	Mode           string `yaml:"mode"` // mock, exec, websocket, vad
	Command        string `yaml:"command"`
	Endpoint       string `yaml:"endpoint"`
	APIKey         string `yaml:"api_key"`
	SampleRate     int    `yaml:"sample_rate"`
	Channels       int    `yaml:"channels"`
	UtteranceEndMS int    `yaml:"utterance_end_ms"`
	InterimResults bool   `yaml:"interim_results"`
}

type TranslatorConfig struct {
	Mode        string  `yaml:"mode"` // mock, ollama, exec
	Endpoint    string  `yaml:"endpoint"`
	Command     string  `yaml:"command"`
	Model       string  `yaml:"model"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
}

type TTSConfig struct {
	Mode            string `yaml:"mode"` // mock, exec, http
	Command         string `yaml:"command"`
	Endpoint        string `yaml:"endpoint"`
	APIKey          string `yaml:"api_key"`
	SampleRate      int    `yaml:"sample_rate"`
	Channels        int    `yaml:"channels"`
	ChunkDurationMS int    `yaml:"chunk_duration_ms"`
}

type PipelineConfig struct {
	MaxDelayMS       int `yaml:"max_delay_ms"`
	InterimTriggerMS int `yaml:"interim_trigger_ms"`
	UtteranceEndMS   int `yaml:"utterance_end_ms"`
	STTQueueSize     int `yaml:"stt_queue_size"`
	TTSQueueSize     int `yaml:"tts_queue_size"`
	RetryMaxAttempts int `yaml:"retry_max_attempts"`
	RetryBudgetMS    int `yaml:"retry_budget_ms"`
	DrainGraceMS     int `yaml:"drain_grace_ms"`
	ReconcileEveryMS int `yaml:"reconcile_every_ms"`
}

type ProfileCacheConfig struct {
	TTLMinutes   int `yaml:"ttl_minutes"`
	SweepMinutes int `yaml:"sweep_minutes"`
	MaxEntries   int `yaml:"max_entries"`
}

type WorkerConfig struct {
	AgentName         string `yaml:"agent_name"`
	Namespace         string `yaml:"namespace"`
	MaxConcurrentJobs int    `yaml:"max_concurrent_jobs"`
	EmptyRoomTimeoutS int    `yaml:"empty_room_timeout_s"`
	DrainTimeoutS     int    `yaml:"drain_timeout_s"`
	ProviderGraceS    int    `yaml:"provider_grace_s"`
	DispatchMode      string `yaml:"dispatch_mode"` // livekit, bus
}

func Default() Config {
	return Config{
		WorkerName:  "interp-worker",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Transport: TransportConfig{
			Mode: "memory",
			URL:  "ws://localhost:7880",
		},
		Store: StoreConfig{
			Path:        "./data/interp.db",
			SeedVoices:  true,
			RoomIdleMin: 30,
		},
		STT: STTConfig{
			Mode:           "mock",
			SampleRate:     16000,
			Channels:       1,
			UtteranceEndMS: 500,
			InterimResults: true,
		},
		Translator: TranslatorConfig{
			Mode:        "mock",
			Endpoint:    "http://localhost:11434",
			Model:       "llama3.2:latest",
			MaxTokens:   256,
			Temperature: 0.3,
		},
		TTS: TTSConfig{
			Mode:            "mock",
			SampleRate:      24000,
			Channels:        1,
			ChunkDurationMS: 20,
		},
		Pipeline: PipelineConfig{
			MaxDelayMS:       500,
			InterimTriggerMS: 250,
			UtteranceEndMS:   500,
			STTQueueSize:     16,
			TTSQueueSize:     8,
			RetryMaxAttempts: 3,
			RetryBudgetMS:    1000,
			DrainGraceMS:     2000,
			ReconcileEveryMS: 5000,
		},
		ProfileCache: ProfileCacheConfig{
			TTLMinutes:   30,
			SweepMinutes: 10,
			MaxEntries:   4096,
		},
		Worker: WorkerConfig{
			AgentName:         "translation-agent",
			Namespace:         "default",
			MaxConcurrentJobs: 8,
			EmptyRoomTimeoutS: 120,
			DrainTimeoutS:     30,
			ProviderGraceS:    60,
			DispatchMode:      "bus",
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.WorkerName, "INTERP_WORKER_NAME")
	overrideString(&cfg.Environment, "INTERP_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "INTERP_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "INTERP_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "INTERP_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "INTERP_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "INTERP_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "INTERP_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "INTERP_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "INTERP_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "INTERP_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "INTERP_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "INTERP_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "INTERP_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "INTERP_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "INTERP_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Transport.Mode, "INTERP_TRANSPORT_MODE")
	overrideString(&cfg.Transport.URL, "INTERP_TRANSPORT_URL")
	overrideString(&cfg.Transport.APIKey, "INTERP_TRANSPORT_API_KEY")
	overrideString(&cfg.Transport.APISecret, "INTERP_TRANSPORT_API_SECRET")
	overrideString(&cfg.Store.Path, "INTERP_STORE_PATH")
	overrideBool(&cfg.Store.SeedVoices, "INTERP_STORE_SEED_VOICES")
	overrideInt(&cfg.Store.RoomIdleMin, "INTERP_STORE_ROOM_IDLE_MINUTES")
	overrideBool(&cfg.Store.VacuumOnStart, "INTERP_STORE_VACUUM_ON_START")
	overrideString(&cfg.STT.Mode, "INTERP_STT_MODE")
	overrideString(&cfg.STT.Command, "INTERP_STT_COMMAND")
	overrideString(&cfg.STT.Endpoint, "INTERP_STT_ENDPOINT")
	overrideString(&cfg.STT.APIKey, "INTERP_STT_API_KEY")
	overrideInt(&cfg.STT.SampleRate, "INTERP_STT_SAMPLE_RATE")
	overrideInt(&cfg.STT.Channels, "INTERP_STT_CHANNELS")
	overrideInt(&cfg.STT.UtteranceEndMS, "INTERP_STT_UTTERANCE_END_MS")
	overrideBool(&cfg.STT.InterimResults, "INTERP_STT_INTERIM_RESULTS")
	overrideString(&cfg.Translator.Mode, "INTERP_TRANSLATOR_MODE")
	overrideString(&cfg.Translator.Endpoint, "INTERP_TRANSLATOR_ENDPOINT")
	overrideString(&cfg.Translator.Command, "INTERP_TRANSLATOR_COMMAND")
	overrideString(&cfg.Translator.Model, "INTERP_TRANSLATOR_MODEL")
	overrideInt(&cfg.Translator.MaxTokens, "INTERP_TRANSLATOR_MAX_TOKENS")
	overrideFloat(&cfg.Translator.Temperature, "INTERP_TRANSLATOR_TEMPERATURE")
	overrideString(&cfg.TTS.Mode, "INTERP_TTS_MODE")
	overrideString(&cfg.TTS.Command, "INTERP_TTS_COMMAND")
	overrideString(&cfg.TTS.Endpoint, "INTERP_TTS_ENDPOINT")
	overrideString(&cfg.TTS.APIKey, "INTERP_TTS_API_KEY")
	overrideInt(&cfg.TTS.SampleRate, "INTERP_TTS_SAMPLE_RATE")
	overrideInt(&cfg.TTS.Channels, "INTERP_TTS_CHANNELS")
	overrideInt(&cfg.TTS.ChunkDurationMS, "INTERP_TTS_CHUNK_DURATION_MS")
	overrideInt(&cfg.Pipeline.MaxDelayMS, "INTERP_PIPELINE_MAX_DELAY_MS")
	overrideInt(&cfg.Pipeline.InterimTriggerMS, "INTERP_PIPELINE_INTERIM_TRIGGER_MS")
	overrideInt(&cfg.Pipeline.UtteranceEndMS, "INTERP_PIPELINE_UTTERANCE_END_MS")
	overrideInt(&cfg.Pipeline.STTQueueSize, "INTERP_PIPELINE_STT_QUEUE_SIZE")
	overrideInt(&cfg.Pipeline.TTSQueueSize, "INTERP_PIPELINE_TTS_QUEUE_SIZE")
	overrideInt(&cfg.Pipeline.RetryMaxAttempts, "INTERP_PIPELINE_RETRY_MAX_ATTEMPTS")
	overrideInt(&cfg.Pipeline.RetryBudgetMS, "INTERP_PIPELINE_RETRY_BUDGET_MS")
	overrideInt(&cfg.Pipeline.DrainGraceMS, "INTERP_PIPELINE_DRAIN_GRACE_MS")
	overrideInt(&cfg.Pipeline.ReconcileEveryMS, "INTERP_PIPELINE_RECONCILE_EVERY_MS")
	overrideInt(&cfg.ProfileCache.TTLMinutes, "INTERP_PROFILE_CACHE_TTL_MINUTES")
	overrideInt(&cfg.ProfileCache.SweepMinutes, "INTERP_PROFILE_CACHE_SWEEP_MINUTES")
	overrideInt(&cfg.ProfileCache.MaxEntries, "INTERP_PROFILE_CACHE_MAX_ENTRIES")
	overrideString(&cfg.Worker.AgentName, "INTERP_WORKER_AGENT_NAME")
	overrideString(&cfg.Worker.Namespace, "INTERP_WORKER_NAMESPACE")
	overrideInt(&cfg.Worker.MaxConcurrentJobs, "INTERP_WORKER_MAX_CONCURRENT_JOBS")
	overrideInt(&cfg.Worker.EmptyRoomTimeoutS, "INTERP_WORKER_EMPTY_ROOM_TIMEOUT_S")
	overrideInt(&cfg.Worker.DrainTimeoutS, "INTERP_WORKER_DRAIN_TIMEOUT_S")
	overrideInt(&cfg.Worker.ProviderGraceS, "INTERP_WORKER_PROVIDER_GRACE_S")
	overrideString(&cfg.Worker.DispatchMode, "INTERP_WORKER_DISPATCH_MODE")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.WorkerName == "" {
		return errors.New("worker_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	switch cfg.Transport.Mode {
	case "memory":
	case "livekit":
		if cfg.Transport.URL == "" {
			return errors.New("transport.url must be set when mode=livekit")
		}
		if cfg.Transport.APIKey == "" || cfg.Transport.APISecret == "" {
			return errors.New("transport.api_key and transport.api_secret must be set when mode=livekit")
		}
	default:
		return errors.New("transport.mode must be one of memory|livekit")
	}
	if cfg.Store.Path == "" {
		return errors.New("store.path must not be empty")
	}
	switch cfg.STT.Mode {
	case "mock", "websocket":
	case "exec", "vad":
		if cfg.STT.Command == "" {
			return errors.New("stt.command must be set when mode=exec or mode=vad")
		}
	default:
		return errors.New("stt.mode must be one of mock|exec|websocket|vad")
	}
	if cfg.STT.SampleRate <= 0 {
		return errors.New("stt.sample_rate must be positive")
	}
	if cfg.STT.Channels <= 0 {
		return errors.New("stt.channels must be positive")
	}
	if cfg.STT.UtteranceEndMS <= 0 || cfg.STT.UtteranceEndMS > 500 {
		return errors.New("stt.utterance_end_ms must be within (0, 500]")
	}
	switch cfg.Translator.Mode {
	case "mock":
	case "ollama":
		if cfg.Translator.Endpoint == "" {
			return errors.New("translator.endpoint must be set when mode=ollama")
		}
	case "exec":
		if cfg.Translator.Command == "" {
			return errors.New("translator.command must be set when mode=exec")
		}
	default:
		return errors.New("translator.mode must be one of mock|ollama|exec")
	}
	switch cfg.TTS.Mode {
	case "mock":
	case "exec":
		if cfg.TTS.Command == "" {
			return errors.New("tts.command must be set when mode=exec")
		}
	case "http":
		if cfg.TTS.Endpoint == "" {
			return errors.New("tts.endpoint must be set when mode=http")
		}
	default:
		return errors.New("tts.mode must be one of mock|exec|http")
	}
	if cfg.TTS.SampleRate <= 0 {
		return errors.New("tts.sample_rate must be positive")
	}
	if cfg.TTS.Channels <= 0 {
		return errors.New("tts.channels must be positive")
	}
	if cfg.Pipeline.MaxDelayMS <= 0 {
		return errors.New("pipeline.max_delay_ms must be positive")
	}
	if cfg.Pipeline.InterimTriggerMS <= 0 || cfg.Pipeline.InterimTriggerMS >= cfg.Pipeline.MaxDelayMS {
		return errors.New("pipeline.interim_trigger_ms must be positive and below max_delay_ms")
	}
	if cfg.Pipeline.STTQueueSize <= 0 || cfg.Pipeline.TTSQueueSize <= 0 {
		return errors.New("pipeline queue sizes must be positive")
	}
	if cfg.Pipeline.RetryMaxAttempts <= 0 {
		return errors.New("pipeline.retry_max_attempts must be positive")
	}
	if cfg.ProfileCache.TTLMinutes <= 0 {
		return errors.New("profile_cache.ttl_minutes must be positive")
	}
	if cfg.ProfileCache.MaxEntries <= 0 {
		return errors.New("profile_cache.max_entries must be positive")
	}
	if cfg.Worker.MaxConcurrentJobs <= 0 {
		return errors.New("worker.max_concurrent_jobs must be positive")
	}
	switch cfg.Worker.DispatchMode {
	case "livekit", "bus":
	default:
		return errors.New("worker.dispatch_mode must be one of livekit|bus")
	}
	return nil
}
