package common

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutputSplitter_Routing(t *testing.T) {
	tests := []struct {
		name       string
		line       string
		wantStderr bool
	}{
		{"ErrorLevel", `time="2024-01-15T10:30:00Z" level=error msg="Database connection failed"`, true},
		{"FatalLevel", `level=fatal msg="cannot start"`, true},
		{"JSONError", `{"level":"error","msg":"bridge down"}`, true},
		{"InfoLevel", `time="2024-01-15T10:30:00Z" level=info msg="Service started"`, false},
		{"WarnLevel", `level=warning msg="High memory usage"`, false},
		{"ErrorInMessage", `level=info msg="error occurred but not error level"`, false},
		{"EmptyMessage", ``, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			splitter := &OutputSplitter{Stdout: &stdout, Stderr: &stderr}

			n, err := splitter.Write([]byte(tt.line))
			require.NoError(t, err)
			assert.Equal(t, len(tt.line), n)

			if tt.wantStderr {
				assert.Equal(t, tt.line, stderr.String())
				assert.Empty(t, stdout.String())
			} else {
				assert.Equal(t, tt.line, stdout.String())
				assert.Empty(t, stderr.String())
			}
		})
	}
}

func TestLogger_OutputIsSplitter(t *testing.T) {
	_, ok := Logger.Out.(*OutputSplitter)
	assert.True(t, ok)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, logrus.DebugLevel, ParseLevel("DEBUG"))
	assert.Equal(t, logrus.WarnLevel, ParseLevel("warning"))
	assert.Equal(t, logrus.ErrorLevel, ParseLevel("error"))
	assert.Equal(t, logrus.InfoLevel, ParseLevel(""))
	assert.Equal(t, logrus.InfoLevel, ParseLevel("verbose"))
}

func TestNewLogger_JSONWithService(t *testing.T) {
	logger := NewLogger(LoggerConfig{Level: "debug", Format: "json", Service: "feedback", Version: "1.2.0"})
	var buf bytes.Buffer
	logger.SetOutput(&buf)

	Component(logger, "statemanager").WithField("operation_id", "op-1").Debug("Operation started")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "debug", entry["level"])
	assert.Equal(t, "Operation started", entry["msg"])
	assert.Equal(t, "statemanager", entry["component"])
	assert.Equal(t, "op-1", entry["operation_id"])
	assert.Equal(t, "feedback", entry["service"])
	assert.Equal(t, "1.2.0", entry["version"])
}

func TestNewLogger_Defaults(t *testing.T) {
	logger := NewLogger(DefaultLoggerConfig())
	assert.Equal(t, logrus.InfoLevel, logger.GetLevel())
	_, ok := logger.Formatter.(*logrus.TextFormatter)
	assert.True(t, ok)
	_, ok = logger.Out.(*OutputSplitter)
	assert.True(t, ok)
}
