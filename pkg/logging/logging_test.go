package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestInit_RejectsBadSettings(t *testing.T) {
	require.Error(t, Init(Settings{Level: "loud"}))
	require.Error(t, Init(Settings{Level: "info", Format: "xml"}))
}

func TestInit_FileIsJSON(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.InfoLevel)
	path := filepath.Join(t.TempDir(), "chatline.log")
	require.NoError(t, Init(Settings{Level: "debug", File: path}))
	require.Equal(t, zerolog.DebugLevel, zerolog.GlobalLevel())
}

func TestWatermillAdapter(t *testing.T) {
	var buf bytes.Buffer
	a := NewWatermill(zerolog.New(&buf).Level(zerolog.TraceLevel))
	a.With(watermill.LogFields{"topic": "chat"}).Error("publish failed", errors.New("boom"), watermill.LogFields{"n": 1})

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "error", line["level"])
	require.Equal(t, "chat", line["topic"])
	require.Equal(t, "boom", line["error"])
	require.Equal(t, "watermill", line["component"])
	require.Equal(t, "publish failed", line["message"])
}
