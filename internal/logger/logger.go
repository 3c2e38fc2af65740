package logger

import (
	"go.uber.org/zap"
)

// Log is the process-wide logger. It defaults to a no-op logger so that
// packages can log before Initialize runs (tests, early startup).
var Log = zap.NewNop()

func Initialize(level string) error {
	cfg := zap.NewProductionConfig()
	if level != "" {
		parsed, err := zap.ParseAtomicLevel(level)
		if err != nil {
			return err
		}
		cfg.Level = parsed
	}

	built, err := cfg.Build()
	if err != nil {
		return err
	}
	Log = built
	return nil
}

func Sync() {
	_ = Log.Sync()
}
