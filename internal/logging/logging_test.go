package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	log := Component(New(Options{Level: "debug", Output: &buf}), "cache")
	log.Debug().Int("addresses", 3).Msg("loaded")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "cache", line["component"])
	assert.Equal(t, "loaded", line["message"])
	assert.EqualValues(t, 3, line["addresses"])
}

func TestNewUnknownLevel(t *testing.T) {
	var buf bytes.Buffer
	log := New(Options{Level: "chatty", Output: &buf})
	log.Debug().Msg("hidden")
	assert.Empty(t, buf.String())

	log.Info().Msg("shown")
	assert.Contains(t, buf.String(), "shown")
}
