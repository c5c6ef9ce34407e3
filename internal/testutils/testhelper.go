package testutils

import (
	"io"
	"os"
	"testing"

	"github.com/sirupsen/logrus"
)

type TestHelper struct {
	T      *testing.T
	Logger *logrus.Logger
}

// NewTestHelper creates a test helper with a debug-level logger.
func NewTestHelper(t *testing.T) *TestHelper {
	return &TestHelper{
		T:      t,
		Logger: NewTestLogger(),
	}
}

// NewTestLogger returns a debug-level logger. Output goes to stderr only when
// BLECENTRAL_TEST_LOG is set, so passing runs stay quiet.
func NewTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)
	if os.Getenv("BLECENTRAL_TEST_LOG") == "" {
		logger.SetOutput(io.Discard)
	}
	return logger
}
