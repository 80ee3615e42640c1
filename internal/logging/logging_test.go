package logging_test

import (
	"testing"

	"github.com/jmerrifield20/ChainLedger/internal/logging"
	"go.uber.org/zap"
)

func TestNew_levels(t *testing.T) {
	tests := map[string]zap.AtomicLevel{
		"debug": zap.NewAtomicLevelAt(zap.DebugLevel),
		"info":  zap.NewAtomicLevelAt(zap.InfoLevel),
		"warn":  zap.NewAtomicLevelAt(zap.WarnLevel),
		"":      zap.NewAtomicLevelAt(zap.InfoLevel),
	}
	for level, want := range tests {
		l, err := logging.New(level, "json")
		if err != nil {
			t.Fatalf("New(%q): %v", level, err)
		}
		if !l.Core().Enabled(want.Level()) {
			t.Errorf("New(%q): level %s not enabled", level, want.Level())
		}
		if want.Level() > zap.DebugLevel && l.Core().Enabled(zap.DebugLevel) {
			t.Errorf("New(%q): debug unexpectedly enabled", level)
		}
	}
}

func TestNew_badEncoding(t *testing.T) {
	if _, err := logging.New("info", "xml"); err == nil {
		t.Error("expected error for unknown encoding")
	}
}
