package common

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// LoggerConfig configures a logger.
type LoggerConfig struct {
	Level      string // debug, info, warn, error; info when empty or unknown
	Format     string // "json" or "text"
	Output     string // "stdout", "stderr" or "split" (default)
	Service    string // added to every entry when set
	Version    string
	AddCaller  bool
	TimeFormat string
}

// DefaultLoggerConfig returns text output at info level, split by severity.
func DefaultLoggerConfig() LoggerConfig {
	return LoggerConfig{
		Level:      "info",
		Format:     "text",
		Output:     "split",
		TimeFormat: time.RFC3339,
	}
}

// NewLogger creates a logger from config.
func NewLogger(config LoggerConfig) *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(ParseLevel(config.Level))

	if config.TimeFormat == "" {
		config.TimeFormat = time.RFC3339
	}
	if config.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: config.TimeFormat,
		})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			TimestampFormat: config.TimeFormat,
			FullTimestamp:   true,
		})
	}

	logger.SetReportCaller(config.AddCaller)
	logger.SetOutput(outputFor(config.Output))

	if config.Service != "" {
		logger.AddHook(&serviceHook{fields: logrus.Fields{
			"service": config.Service,
			"version": config.Version,
		}})
	}
	return logger
}

// Configure replaces the process-wide Logger and the logrus standard logger
// settings, which components fall back to.
func Configure(config LoggerConfig) *logrus.Logger {
	Logger = NewLogger(config)

	std := logrus.StandardLogger()
	std.SetLevel(Logger.GetLevel())
	std.SetFormatter(Logger.Formatter)
	std.SetOutput(Logger.Out)
	std.SetReportCaller(config.AddCaller)
	return Logger
}

// ParseLevel maps a level name to a logrus level; unknown names give info.
func ParseLevel(level string) logrus.Level {
	switch strings.ToLower(level) {
	case "debug":
		return logrus.DebugLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	case "fatal":
		return logrus.FatalLevel
	default:
		return logrus.InfoLevel
	}
}

// Component returns an entry tagged with the component name.
func Component(logger *logrus.Logger, name string) *logrus.Entry {
	if logger == nil {
		logger = Logger
	}
	return logger.WithField("component", name)
}

func outputFor(output string) io.Writer {
	switch output {
	case "stdout":
		return os.Stdout
	case "stderr":
		return os.Stderr
	default:
		return &OutputSplitter{}
	}
}

type serviceHook struct {
	fields logrus.Fields
}

func (h *serviceHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *serviceHook) Fire(entry *logrus.Entry) error {
	for k, v := range h.fields {
		if _, ok := entry.Data[k]; !ok {
			entry.Data[k] = v
		}
	}
	return nil
}
