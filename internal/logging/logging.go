// Package logging wires the broker's structured logging. Broker
// components that log do so through a *logrus.Logger passed in at construction
// rather than the standard library's log package, following the same
// pattern this lineage's MQTT client already uses for its own
// log-level configuration.
package logging

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// New builds a logger from the raw level/format/output strings in
// LoggingConfig. An unknown level falls back to Warn (logged as a
// warning itself) rather than failing startup, matching the fallback
// behavior this lineage's client-side logging helper already uses.
func New(level, format, output string) (*logrus.Logger, error) {
	logger := logrus.New()

	switch format {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	case "text", "":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return nil, fmt.Errorf("logging: unknown format %q (must be text or json)", format)
	}

	out, err := resolveOutput(output)
	if err != nil {
		return nil, err
	}
	logger.SetOutput(out)

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		logger.SetLevel(logrus.WarnLevel)
		logger.Warnf("unknown log level %q - using level=warn", level)
		return logger, nil
	}
	logger.SetLevel(lvl)

	return logger, nil
}

func resolveOutput(output string) (io.Writer, error) {
	switch output {
	case "", "stdout":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	default:
		f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("logging: failed to open %q: %w", output, err)
		}
		return f, nil
	}
}
