package speedwatch

import (
	"errors"
	"io"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
)

// SetupLogging points l at file, if given, and sets its level (error, warn, info or debug).
// The returned io.Closer closes the log file and is never nil.
func SetupLogging(l *log.Logger, file, level string) (io.Closer, error) {
	var c io.Closer = nopCloser{}

	if file != "" {
		f, err := os.OpenFile(file, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return c, err
		}
		l.SetOutput(f)
		c = f
	}
	if level != "" {
		switch strings.ToLower(level) {
		case "error":
			l.SetLevel(log.ErrorLevel)
		case "warn":
			l.SetLevel(log.WarnLevel)
		case "info":
			l.SetLevel(log.InfoLevel)
		case "debug":
			l.SetLevel(log.DebugLevel)
		default:
			return c, errors.New("unknown log level: " + level)
		}
	}

	return c, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
