package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewWithOutput(Config{Level: "debug", Format: "json"}, &buf)
	require.NoError(t, err)

	logger.WithField("session_id", 4).Debug("session created")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "session created", entry["msg"])
	assert.Equal(t, float64(4), entry["session_id"])
}

func TestNew_Defaults(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewWithOutput(Config{}, &buf)
	require.NoError(t, err)

	assert.Equal(t, logrus.InfoLevel, logger.GetLevel())
	logger.Debug("hidden")
	assert.Empty(t, buf.String())

	logger.Info("shown")
	assert.Contains(t, buf.String(), "msg=shown")
}

func TestNew_BadLevel(t *testing.T) {
	_, err := New(Config{Level: "loud"})
	assert.Error(t, err)
}
