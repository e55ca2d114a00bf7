package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/warp/debt-ledger/config"
)

// Setup builds the service logger from the [log] section. Unknown levels
// fall back to info.
func Setup(cfg config.LogConfig) *logrus.Logger {
	return New(cfg, os.Stdout)
}

// New is Setup with an explicit output.
func New(cfg config.LogConfig, out io.Writer) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(out)

	if cfg.Format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyLevel: "loglevel",
			},
		})
	}

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	return logger
}
