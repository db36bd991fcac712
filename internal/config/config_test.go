package config

import "testing"

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	if cfg.Pipeline.MaxDelayMS != 500 {
		t.Fatalf("expected default max delay 500, got %d", cfg.Pipeline.MaxDelayMS)
	}
	if cfg.ProfileCache.TTLMinutes != 30 {
		t.Fatalf("expected default cache ttl 30, got %d", cfg.ProfileCache.TTLMinutes)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("INTERP_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("INTERP_BUS_USERNAME", "alice")
	t.Setenv("INTERP_BUS_PASSWORD", "secret")
	t.Setenv("INTERP_BUS_TLS_INSECURE", "true")
	t.Setenv("INTERP_PIPELINE_MAX_DELAY_MS", "750")
	t.Setenv("INTERP_PIPELINE_INTERIM_TRIGGER_MS", "300")
	t.Setenv("INTERP_STT_MODE", "websocket")
	t.Setenv("INTERP_STT_ENDPOINT", "wss://stt.example.com/listen")
	t.Setenv("INTERP_WORKER_MAX_CONCURRENT_JOBS", "3")
	t.Setenv("INTERP_STORE_PATH", "./tmp.db")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || cfg.Bus.Password != "secret" {
		t.Fatalf("expected credentials override")
	}
	if !cfg.Bus.TLSInsecure {
		t.Fatal("expected tls insecure override true")
	}
	if cfg.Pipeline.MaxDelayMS != 750 {
		t.Fatalf("expected max delay 750, got %d", cfg.Pipeline.MaxDelayMS)
	}
	if cfg.Pipeline.InterimTriggerMS != 300 {
		t.Fatalf("expected interim trigger 300, got %d", cfg.Pipeline.InterimTriggerMS)
	}
	if cfg.STT.Mode != "websocket" {
		t.Fatalf("expected stt mode override, got %s", cfg.STT.Mode)
	}
	if cfg.Worker.MaxConcurrentJobs != 3 {
		t.Fatalf("expected worker jobs override, got %d", cfg.Worker.MaxConcurrentJobs)
	}
	if cfg.Store.Path != "./tmp.db" {
		t.Fatalf("expected store path override")
	}
}

func TestValidateRejectsBadModes(t *testing.T) {
	t.Setenv("INTERP_STT_MODE", "carrier-pigeon")
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for unknown stt mode")
	}
}

func TestValidateInterimTriggerBelowMaxDelay(t *testing.T) {
	t.Setenv("INTERP_PIPELINE_INTERIM_TRIGGER_MS", "600")
	if _, err := Load(""); err == nil {
		t.Fatal("expected error when interim trigger exceeds max delay")
	}
}
