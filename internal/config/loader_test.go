package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/MrWong99/moneycoach/internal/config"
)

func TestExpandEnv(t *testing.T) {
	t.Setenv("COACH_TEST_KEY", "sk-from-env")

	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "braced reference", in: "api_key: ${COACH_TEST_KEY}", want: "api_key: sk-from-env"},
		{name: "unset variable", in: "api_key: ${COACH_TEST_UNSET_VAR}", want: "api_key: "},
		{name: "bare dollar kept", in: "persona: costs $5 or $HOME", want: "persona: costs $5 or $HOME"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := string(config.ExpandEnv([]byte(tt.in))); got != tt.want {
				t.Errorf("ExpandEnv(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestLoadFromReader_ExpandsEnv(t *testing.T) {
	t.Setenv("COACH_TEST_DSN", "postgres://localhost/coach")
	cfg, err := config.LoadFromReader(strings.NewReader(`
providers:
  llm:
    name: openai
memory:
  postgres_dsn: ${COACH_TEST_DSN}
`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Memory.PostgresDSN != "postgres://localhost/coach" {
		t.Errorf("postgres_dsn: got %q", cfg.Memory.PostgresDSN)
	}
}

func TestValidate_MultipleErrors(t *testing.T) {
	cfg := &config.Config{
		Server: config.ServerConfig{LogLevel: "loud"},
		Coach:  config.CoachConfig{Temperature: -1},
	}
	err := config.Validate(cfg)
	if err == nil {
		t.Fatal("expected errors, got nil")
	}
	for _, want := range []string{"log_level", "providers.llm.name", "coach.temperature"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("joined error should mention %q, got: %v", want, err)
		}
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected os.ErrNotExist, got %v", err)
	}
}

func TestValidProviderNames(t *testing.T) {
	for _, kind := range []string{"llm", "embeddings"} {
		if len(config.ValidProviderNames[kind]) == 0 {
			t.Errorf("no known provider names for %q", kind)
		}
	}
}
