package app

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name    string
		format  string
		level   string
		wantErr bool
	}{
		{name: "text info", format: "text", level: "info"},
		{name: "empty format is text", format: "", level: "debug"},
		{name: "json upper case", format: "JSON", level: "WARN"},
		{name: "offset level", format: "text", level: "error+2"},
		{name: "bad level", format: "text", level: "verbose", wantErr: true},
		{name: "bad format", format: "logfmt", level: "info", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := newLogger(&bytes.Buffer{}, tt.format, tt.level)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, logger)
		})
	}
}

func TestNewLogger_JSONOutput(t *testing.T) {
	var buf bytes.Buffer
	logger, err := newLogger(&buf, "json", "info")
	require.NoError(t, err)

	logger.Debug("hidden")
	logger.Info("issued", "client_id", "c1")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1, "debug must be filtered at info level")

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "issued", entry["msg"])
	assert.Equal(t, "c1", entry["client_id"])
}
