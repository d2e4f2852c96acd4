package logging

import (
	"io"
	"log/slog"
	"os"

	"github.com/pikachat/pikachat/internal/config"
)

// NewLogger creates the process logger from configuration. Production
// uses JSON at Info, everything else human-readable text at Debug. The
// device name is attached to every record so logs from multiple devices
// on the same account stay distinguishable.
func NewLogger(cfg *config.Config) *slog.Logger {
	return newLogger(os.Stdout, cfg)
}

func newLogger(w io.Writer, cfg *config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}

	var handler slog.Handler
	if cfg.IsProduction() {
		opts.Level = slog.LevelInfo
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	logger := slog.New(handler)
	if cfg.DeviceName != "" {
		logger = logger.With(slog.String("device", cfg.DeviceName))
	}

	return logger
}
