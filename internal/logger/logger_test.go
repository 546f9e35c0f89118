package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meditrack-server/internal/config"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, ParseLevel("DEBUG"))
	assert.Equal(t, zerolog.WarnLevel, ParseLevel(" warn "))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel(""))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel("chatty"))
}

func TestBuild_JSONAndFile(t *testing.T) {
	var buf bytes.Buffer
	path := filepath.Join(t.TempDir(), "meditrack.log")
	cfg := &config.Config{
		Environment: "test",
		Log:         config.LogConfig{Level: "info", Format: "json", File: path, MaxSizeMB: 1},
	}

	log := build(cfg, &buf)
	log.Debug().Msg("hidden")
	log.Info().Str("patient_id", "p1").Msg("dose recorded")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"patient_id":"p1"`)
	assert.Contains(t, buf.String(), `"service":"meditrack"`)

	written, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(written), "dose recorded")
}

func TestBuild_Console(t *testing.T) {
	var buf bytes.Buffer
	cfg := &config.Config{Log: config.LogConfig{Level: "debug", Format: "console"}}

	build(cfg, &buf).Debug().Msg("dispatch tick")
	assert.Contains(t, buf.String(), "dispatch tick")
	assert.NotContains(t, buf.String(), `"message"`)
}
