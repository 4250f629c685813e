//go:build test

package testutils

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// NewTestLogger returns a debug-level logger. Output is discarded unless
// BLEMGR_TEST_LOGS is set.
func NewTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel) // enable debug logs to track execution flow
	if os.Getenv("BLEMGR_TEST_LOGS") == "" {
		logger.SetOutput(io.Discard)
	}
	return logger
}

// IntPtr returns a pointer to v.
func IntPtr(v int) *int { return &v }

// BoolPtr returns a pointer to v.
func BoolPtr(v bool) *bool { return &v }
