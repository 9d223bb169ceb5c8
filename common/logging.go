// Package common provides shared logging and small utilities for the disco
// daemon and worker processes.
//
// All disco processes log through the package-level Logger, a logrus instance
// configured once at startup via Setup. Components attach structured fields
// (project, deployment, task) with Logger.WithFields rather than formatting
// identifiers into the message text.
package common

import (
	"bytes"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Logger is the process-wide logger. It defaults to text output at info
// level; Setup reconfigures it from the loaded configuration.
var Logger = logrus.New()

func init() {
	Logger.SetFormatter(&logrus.TextFormatter{
		TimestampFormat: time.RFC3339,
		FullTimestamp:   true,
	})
	Logger.SetOutput(&OutputSplitter{})
}

// Setup configures the global logger from config values. Unknown levels fall
// back to info rather than failing startup.
func Setup(level, format string) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	Logger.SetLevel(lvl)

	if format == "json" {
		Logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339,
		})
	} else {
		Logger.SetFormatter(&logrus.TextFormatter{
			TimestampFormat: time.RFC3339,
			FullTimestamp:   true,
		})
	}
}

// OutputSplitter routes error and fatal lines to stderr and everything else
// to stdout, so `disco worker 2>errors.log` behaves as expected.
type OutputSplitter struct{}

func (splitter *OutputSplitter) Write(p []byte) (n int, err error) {
	if bytes.Contains(p, []byte("level=error")) || bytes.Contains(p, []byte("level=fatal")) ||
		bytes.Contains(p, []byte(`"level":"error"`)) || bytes.Contains(p, []byte(`"level":"fatal"`)) {
		return os.Stderr.Write(p)
	}
	return os.Stdout.Write(p)
}

// MaskSecret masks sensitive strings for safe logging. Shows first and last
// four characters for strings longer than 8 chars.
func MaskSecret(secret string) string {
	if secret == "" {
		return "<not set>"
	}
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:4] + "..." + secret[len(secret)-4:]
}

// FieldsForDeployment returns the standard log fields attached to every line
// emitted while working on a deployment.
func FieldsForDeployment(projectName string, number int) logrus.Fields {
	return logrus.Fields{
		"project":    projectName,
		"deployment": number,
	}
}

// Truncate shortens s to at most n runes for log output.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return strings.TrimSpace(s[:n]) + "..."
}
