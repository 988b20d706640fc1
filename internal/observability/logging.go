package observability

import (
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
)

// LogConfig configures structured logging.
type LogConfig struct {
	// Level sets the minimum log level: "debug", "info", "warn", "error".
	Level string `yaml:"level"`

	// Format specifies the output format: "json" or "text". JSON is the
	// production default; text is easier to read locally.
	Format string `yaml:"format"`

	// AddSource includes file and line number in log records.
	AddSource bool `yaml:"add_source"`

	// Output is the writer for log output (defaults to os.Stdout).
	Output io.Writer `yaml:"-"`
}

// redactPatterns match secrets that must never reach the logs: API keys,
// tokens, and pairing payloads.
var redactPatterns = []*regexp.Regexp{
	regexp.MustCompile(`sk-[a-zA-Z0-9_-]{20,}`),
	regexp.MustCompile(`(?i)(api[_-]?key|token|secret|password)[\s:=]+\S+`),
}

// NewLogger creates a slog logger per the config, with secret values
// redacted from string attributes.
func NewLogger(config LogConfig) *slog.Logger {
	if config.Output == nil {
		config.Output = os.Stdout
	}

	var level slog.Level
	switch strings.ToLower(config.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:       level,
		AddSource:   config.AddSource,
		ReplaceAttr: redactAttr,
	}

	var handler slog.Handler
	if strings.ToLower(config.Format) == "text" {
		handler = slog.NewTextHandler(config.Output, opts)
	} else {
		handler = slog.NewJSONHandler(config.Output, opts)
	}
	return slog.New(handler)
}

func redactAttr(groups []string, a slog.Attr) slog.Attr {
	if a.Value.Kind() != slog.KindString {
		return a
	}
	s := a.Value.String()
	for _, re := range redactPatterns {
		if re.MatchString(s) {
			s = re.ReplaceAllString(s, "[REDACTED]")
		}
	}
	a.Value = slog.StringValue(s)
	return a
}
