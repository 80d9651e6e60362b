package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithFieldsCarriesIntoContext(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: "debug", Format: "json", Output: &buf})

	ctx := WithFields(context.Background(), map[string]interface{}{"round_id": "r-1"})
	Info(ctx).Str("player_id", "p-1").Msg("[BET] accepted")

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "r-1", line["round_id"])
	assert.Equal(t, "p-1", line["player_id"])
	assert.Equal(t, "[BET] accepted", line["message"])
	assert.Equal(t, "info", line["level"])
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: "warn", Format: "json", Output: &buf})
	defer Init(Config{Level: "info", Format: "json", Output: &bytes.Buffer{}})

	Info(context.Background()).Msg("hidden")
	assert.Zero(t, buf.Len())

	Warn(context.Background()).Msg("shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestFromContextNil(t *testing.T) {
	assert.NotNil(t, FromContext(nil))
}
