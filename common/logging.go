// Package common provides the logging setup shared by every feedback
// component.
//
// Error-level entries go to stderr and everything else to stdout, so
// container runtimes and shell scripts can treat the two streams differently.
// Components receive a *logrus.Entry carrying a "component" field and fall
// back to a package logger when none is given.
package common

import (
	"bytes"
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

var errorMarkers = [][]byte{
	[]byte("level=error"),
	[]byte("level=fatal"),
	[]byte("level=panic"),
	[]byte(`"level":"error"`),
	[]byte(`"level":"fatal"`),
	[]byte(`"level":"panic"`),
}

// OutputSplitter routes formatted log lines by severity: error, fatal and
// panic entries to Stderr, the rest to Stdout. Nil writers default to the
// process streams.
//
// Example Usage:
//
//	logger := logrus.New()
//	logger.SetOutput(&OutputSplitter{})
//
//	logger.Info("This goes to stdout")
//	logger.Error("This goes to stderr")
type OutputSplitter struct {
	Stdout io.Writer
	Stderr io.Writer
}

// Write implements io.Writer.
func (splitter *OutputSplitter) Write(p []byte) (n int, err error) {
	for _, marker := range errorMarkers {
		if bytes.Contains(p, marker) {
			return splitter.stderr().Write(p)
		}
	}
	return splitter.stdout().Write(p)
}

func (splitter *OutputSplitter) stdout() io.Writer {
	if splitter.Stdout != nil {
		return splitter.Stdout
	}
	return os.Stdout
}

func (splitter *OutputSplitter) stderr() io.Writer {
	if splitter.Stderr != nil {
		return splitter.Stderr
	}
	return os.Stderr
}

// Logger is the process-wide logger, replaced by Configure.
var Logger = logrus.New()

func init() {
	Logger.SetOutput(&OutputSplitter{})
}
