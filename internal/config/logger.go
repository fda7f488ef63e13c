package config

import (
	"log/slog"
	"os"
	"strings"
)

// InitLogger installs the process-wide slog default. Format "json" emits
// machine-readable lines for log shipping; anything else gets the text
// handler. Unknown levels run at info.
func InitLogger(cfg *Config) {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}

	var handler slog.Handler = slog.NewTextHandler(os.Stdout, opts)
	if strings.EqualFold(cfg.LogFormat, "json") {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))

	slog.Info("Logger initialized", "level", cfg.LogLevel, "format", cfg.LogFormat)
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
