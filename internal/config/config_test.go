package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "settings.yml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	want := Default()
	if cfg != want {
		t.Errorf("expected defaults %+v, got %+v", want, cfg)
	}
	if cfg.Address() != "localhost:4305" {
		t.Errorf("Address() = %s, want localhost:4305", cfg.Address())
	}
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(
		t, `
api_port: 5000
reserved_memory_bytes: 2G
reserved_gpu_memory_bytes: 1048576
scheduler_interval: 2s
store_type: memory
log_format: json
`,
	)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.APIPort != 5000 {
		t.Errorf("APIPort = %d, want 5000", cfg.APIPort)
	}
	if cfg.ReservedMemoryBytes != 2*1024*1024*1024 {
		t.Errorf("ReservedMemoryBytes = %d", cfg.ReservedMemoryBytes)
	}
	if cfg.ReservedGPUMemoryBytes != 1048576 {
		t.Errorf("ReservedGPUMemoryBytes = %d", cfg.ReservedGPUMemoryBytes)
	}
	if cfg.SchedulerInterval != 2*time.Second {
		t.Errorf("SchedulerInterval = %v, want 2s", cfg.SchedulerInterval)
	}
	if cfg.APIHost != "localhost" {
		t.Errorf("APIHost should keep default, got %s", cfg.APIHost)
	}
	if cfg.SystemQueryInterval != 5*time.Second {
		t.Errorf("SystemQueryInterval should keep default, got %v", cfg.SystemQueryInterval)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "reserved_memory_bytes: lots\n")

	if _, err := Load(path); err == nil {
		t.Error("expected error for invalid byte count")
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("TASKFLOW_API_HOST", "0.0.0.0")
	t.Setenv("TASKFLOW_API_PORT", "9000")
	t.Setenv("TASKFLOW_STORE_TYPE", "POSTGRES")
	t.Setenv("DATABASE_URL", "postgres://localhost/taskflow")
	t.Setenv("TASKFLOW_DEBUG", "true")

	cfg := Default()
	if err := cfg.ApplyEnv(); err != nil {
		t.Fatalf("ApplyEnv failed: %v", err)
	}

	if cfg.APIHost != "0.0.0.0" || cfg.APIPort != 9000 {
		t.Errorf("unexpected address %s", cfg.Address())
	}
	if cfg.StoreType != StorePostgres {
		t.Errorf("StoreType = %s, want postgres", cfg.StoreType)
	}
	if cfg.DatabaseURL != "postgres://localhost/taskflow" {
		t.Errorf("DatabaseURL = %s", cfg.DatabaseURL)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %s, want debug", cfg.LogLevel)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate failed: %v", err)
	}
}

func TestApplyEnv_InvalidPort(t *testing.T) {
	t.Setenv("TASKFLOW_API_PORT", "http")

	cfg := Default()
	if err := cfg.ApplyEnv(); err == nil {
		t.Error("expected error for non-numeric port")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Settings)
		wantErr bool
	}{
		{"defaults", func(s *Settings) {}, false},
		{"bad port", func(s *Settings) { s.APIPort = 0 }, true},
		{"negative memory margin", func(s *Settings) { s.ReservedMemoryBytes = -1 }, true},
		{"negative gpu margin", func(s *Settings) { s.ReservedGPUMemoryBytes = -1 }, true},
		{"zero scheduler interval", func(s *Settings) { s.SchedulerInterval = 0 }, true},
		{"zero query interval", func(s *Settings) { s.SystemQueryInterval = 0 }, true},
		{"zero poll interval", func(s *Settings) { s.SessionPollInterval = 0 }, true},
		{"unknown store", func(s *Settings) { s.StoreType = "redis" }, true},
		{"postgres without url", func(s *Settings) { s.StoreType = StorePostgres }, true},
		{
			"postgres with url", func(s *Settings) {
				s.StoreType = StorePostgres
				s.DatabaseURL = "postgres://localhost/taskflow"
			}, false,
		},
	}

	for _, tt := range tests {
		t.Run(
			tt.name, func(t *testing.T) {
				cfg := Default()
				tt.modify(&cfg)
				err := cfg.Validate()
				if (err != nil) != tt.wantErr {
					t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
				}
			},
		)
	}
}
