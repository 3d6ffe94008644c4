// Package logging builds the service logger.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Config selects level and output format. Format is "text" or "json".
type Config struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// New returns a logger writing to stderr.
func New(cfg Config) (*logrus.Logger, error) {
	return NewWithOutput(cfg, os.Stderr)
}

func NewWithOutput(cfg Config, out io.Writer) (*logrus.Logger, error) {
	logger := logrus.New()
	logger.SetOutput(out)

	level := logrus.InfoLevel
	if cfg.Level != "" {
		parsed, err := logrus.ParseLevel(cfg.Level)
		if err != nil {
			return nil, err
		}
		level = parsed
	}
	logger.SetLevel(level)

	if strings.EqualFold(cfg.Format, "json") {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logger, nil
}
