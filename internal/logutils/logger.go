package logutils

import (
	"fmt"
	"io"
	"strings"

	"github.com/sirupsen/logrus"
)

// Log is the process-wide logger.
var Log = logrus.New()

// Fields is the type of logrus.Fields.
type Fields = logrus.Fields

//nolint:gochecknoinits // defaults must be in place before flags are parsed
func init() {
	Log.SetLevel(logrus.WarnLevel)
	Log.SetFormatter(textFormatter())
}

// Configure sets the level ("debug", "info", "warn", "error") and the format
// ("text", "json") of Log.
func Configure(level, format string) error {
	lvl, err := logrus.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return fmt.Errorf("unsupported log level: %s", level)
	}

	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "text":
		Log.SetFormatter(textFormatter())
	case "json":
		Log.SetFormatter(&logrus.JSONFormatter{TimestampFormat: "2006-01-02T15:04:05.000Z07:00"})
	default:
		return fmt.Errorf("unsupported log format: %s", format)
	}
	Log.SetLevel(lvl)
	return nil
}

// SetOutput redirects Log, mainly so the TUI can keep stderr clean.
func SetOutput(w io.Writer) {
	Log.SetOutput(w)
}

func textFormatter() *logrus.TextFormatter {
	return &logrus.TextFormatter{
		TimestampFormat:           "2006-01-02 15:04:05",
		EnvironmentOverrideColors: true,
		FullTimestamp:             true,
	}
}
