package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"

	"github.com/drewdunne/codeloop/internal/config"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name      string
		cfg       config.LoggingConfig
		debugOn   bool
		expectErr bool
	}{
		{"default", config.LoggingConfig{}, false, false},
		{"debug json", config.LoggingConfig{Level: "debug", Format: "json"}, true, false},
		{"warn console", config.LoggingConfig{Level: "warn", Format: "console"}, false, false},
		{"bad level", config.LoggingConfig{Level: "loud"}, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := New(tt.cfg)
			if tt.expectErr {
				if err == nil {
					t.Error("New() expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}
			if got := logger.Core().Enabled(zapcore.DebugLevel); got != tt.debugOn {
				t.Errorf("debug enabled = %v, want %v", got, tt.debugOn)
			}
		})
	}
}
