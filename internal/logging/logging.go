package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"distributed-melee-rl/internal/config"
)

// New builds a logger from cfg. Invalid settings fall back to info level,
// text format and stderr with a warning. The returned closer releases a log
// file when one was opened.
func New(cfg config.LoggingConfig) (*logrus.Logger, io.Closer) {
	log := logrus.New()
	var closer io.Closer = io.NopCloser(nil)

	switch cfg.Output {
	case "", "stderr":
		log.SetOutput(os.Stderr)
	case "stdout":
		log.SetOutput(os.Stdout)
	default:
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			log.SetOutput(os.Stderr)
			log.Warnf("failed to open log file '%s', using stderr", cfg.Output)
		} else {
			log.SetOutput(file)
			closer = file
		}
	}

	switch cfg.Format {
	case "json":
		log.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
		})
	case "", "text":
		log.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05",
		})
	default:
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
		log.Warnf("invalid log format '%s', using 'text'", cfg.Format)
	}

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		log.Warnf("invalid log level '%s', using 'info'", cfg.Level)
		level = logrus.InfoLevel
	}
	log.SetLevel(level)

	return log, closer
}
