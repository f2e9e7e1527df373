// Package logging builds the process-wide logrus logger.
package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// New returns a logger writing to stdout: JSON in production, text otherwise.
// An unknown level falls back to info.
func New(appEnv, level string) *logrus.Logger {
	return NewWithOutput(os.Stdout, appEnv, level)
}

func NewWithOutput(w io.Writer, appEnv, level string) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(w)

	if appEnv == "production" {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
		log.WithField("log_level", level).Warn("unknown log level, using info")
	}
	log.SetLevel(lvl)
	return log
}
