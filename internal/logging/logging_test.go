package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestNewBuildsForBothEnvs(t *testing.T) {
	for _, env := range []string{"local", "production", ""} {
		logger, err := New(env, false)
		if err != nil {
			t.Fatalf("New(%q): %v", env, err)
		}
		if logger == nil {
			t.Fatalf("New(%q) returned nil logger", env)
		}
		_ = logger.Sync()
	}
}

func TestVerboseEnablesDebug(t *testing.T) {
	logger, err := New("production", true)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !logger.Core().Enabled(zapcore.DebugLevel) {
		t.Fatal("verbose logger must enable debug level")
	}
}
