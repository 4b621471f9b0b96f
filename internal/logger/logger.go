package logger

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger wraps a logrus entry that carries the service field
type Logger struct {
	*logrus.Entry
}

// NewLogger creates a JSON logger writing to stdout. LOG_LEVEL picks the level.
func NewLogger(serviceName string) *Logger {
	return newLogger(serviceName, os.Stdout, os.Getenv("LOG_LEVEL"))
}

// NewNop returns a logger that discards everything
func NewNop() *Logger {
	return newLogger("test", io.Discard, "error")
}

func newLogger(serviceName string, out io.Writer, level string) *Logger {
	log := logrus.New()

	log.SetFormatter(&logrus.JSONFormatter{
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime:  "timestamp",
			logrus.FieldKeyLevel: "level",
			logrus.FieldKeyMsg:   "message",
		},
	})
	log.SetOutput(out)

	switch strings.ToLower(level) {
	case "debug":
		log.SetLevel(logrus.DebugLevel)
	case "warn":
		log.SetLevel(logrus.WarnLevel)
	case "error":
		log.SetLevel(logrus.ErrorLevel)
	default:
		log.SetLevel(logrus.InfoLevel)
	}

	return &Logger{Entry: log.WithField("service", serviceName)}
}

// WithPlayer adds the player id
func (l *Logger) WithPlayer(playerID string) *logrus.Entry {
	return l.WithField("player_id", playerID)
}

// WithMatch adds the match id
func (l *Logger) WithMatch(matchID string) *logrus.Entry {
	return l.WithField("match_id", matchID)
}
