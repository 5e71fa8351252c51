package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/erauner12/paperdesk/internal/kv"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "paperdesk.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.APIBaseURL != "http://localhost:8000/api/v1" {
		t.Errorf("APIBaseURL = %q", cfg.APIBaseURL)
	}
	if cfg.RequestTimeout != 2*time.Minute {
		t.Errorf("RequestTimeout = %v", cfg.RequestTimeout)
	}
	if cfg.RefreshThreshold != 5*time.Minute {
		t.Errorf("RefreshThreshold = %v", cfg.RefreshThreshold)
	}
	if cfg.LoginPath != "/login" || cfg.RefreshPath != "/auth/refresh-token" {
		t.Errorf("paths = %q, %q", cfg.LoginPath, cfg.RefreshPath)
	}
	if cfg.StreamTransport != "sse" || cfg.StoreDriver != "sqlite" {
		t.Errorf("transport/driver = %q, %q", cfg.StreamTransport, cfg.StoreDriver)
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	path := writeConfig(t, `
api_base_url: https://api.example.com/api/v1
request_timeout: 30s
stream_transport: websocket
store_driver: memory
`)
	t.Setenv("PAPERDESK_REFRESH_THRESHOLD", "10m")
	t.Setenv("PAPERDESK_STREAM_TRANSPORT", "sse")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.APIBaseURL != "https://api.example.com/api/v1" {
		t.Errorf("APIBaseURL = %q", cfg.APIBaseURL)
	}
	if cfg.RequestTimeout != 30*time.Second {
		t.Errorf("RequestTimeout = %v", cfg.RequestTimeout)
	}
	if cfg.RefreshThreshold != 10*time.Minute {
		t.Errorf("RefreshThreshold = %v, want env override", cfg.RefreshThreshold)
	}
	if cfg.StreamTransport != "sse" {
		t.Errorf("StreamTransport = %q, env should win over file", cfg.StreamTransport)
	}
	if cfg.StoreDriver != "memory" {
		t.Errorf("StoreDriver = %q", cfg.StoreDriver)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"relative base url", "api_base_url: /api/v1\n", "api_base_url"},
		{"transport", "stream_transport: grpc\n", "unsupported stream_transport"},
		{"driver", "store_driver: redis\n", "unsupported store_driver"},
		{"postgres without url", "store_driver: postgres\n", "database_url is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want %q", err, tt.want)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestOpenStore(t *testing.T) {
	ctx := context.Background()

	cfg := Default()
	cfg.StoreDriver = "memory"
	s, err := cfg.OpenStore(ctx)
	if err != nil {
		t.Fatalf("memory: %v", err)
	}
	if _, ok := s.(*kv.Memory); !ok {
		t.Errorf("memory driver returned %T", s)
	}

	cfg.StoreDriver = "sqlite"
	cfg.StorePath = filepath.Join(t.TempDir(), "nested", "state.db")
	s, err = cfg.OpenStore(ctx)
	if err != nil {
		t.Fatalf("sqlite: %v", err)
	}
	defer s.Close()
	if err := s.Set(ctx, "k", "v"); err != nil {
		t.Errorf("sqlite Set: %v", err)
	}
}
