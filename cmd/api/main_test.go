package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBootstrapLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := bootstrapLogger(&buf, "saferoute-api")
	logger.Error().Err(errors.New("SAFETY_API_URL is required")).Msg("invalid configuration")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "saferoute-api", entry["service"])
	assert.Equal(t, "error", entry["level"])
	assert.Equal(t, "SAFETY_API_URL is required", entry["error"])
	assert.Equal(t, "invalid configuration", entry["message"])
	assert.Contains(t, entry, "time")
}
