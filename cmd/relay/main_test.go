package main

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/aschepis/backscratcher/relay/config"
)

func TestReadPrompt(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		stdin   string
		want    string
		wantErr bool
	}{
		{"args", []string{"hello", "world"}, "ignored", "hello world", false},
		{"stdin", nil, "  from stdin\n", "from stdin", false},
		{"blank args fall back to stdin", []string{" "}, "piped", "piped", false},
		{"empty", nil, "\n", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := readPrompt(tt.args, strings.NewReader(tt.stdin))
			if (err != nil) != tt.wantErr {
				t.Fatalf("readPrompt() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("readPrompt() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestWriteDefaultConfig(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("ANTHROPIC_BASE_URL", "")
	t.Setenv("RELAY_DEFAULT_MODEL", "")
	path := filepath.Join(t.TempDir(), "relay", "config.yaml")

	if err := writeDefaultConfig(path); err != nil {
		t.Fatalf("writeDefaultConfig failed: %v", err)
	}
	cfg, err := config.LoadProxyConfig(path)
	if err != nil {
		t.Fatalf("LoadProxyConfig failed: %v", err)
	}
	if cfg.Defaults.Model != config.Defaults().Defaults.Model {
		t.Errorf("Expected default model, got %q", cfg.Defaults.Model)
	}

	if err := writeDefaultConfig(path); err == nil {
		t.Error("Expected an existing config file not to be overwritten")
	}
}
