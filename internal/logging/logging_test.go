package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"distributed-melee-rl/internal/config"
)

func TestNewWritesJSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trainer.log")
	log, closer := New(config.LoggingConfig{Level: "debug", Format: "json", Output: path})

	log.WithField("component", "orchestrator").Debug("hello")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(data, &entry))
	assert.Equal(t, "hello", entry["msg"])
	assert.Equal(t, "orchestrator", entry["component"])
	assert.Equal(t, "debug", entry["level"])
}

func TestNewFallsBack(t *testing.T) {
	log, closer := New(config.LoggingConfig{Level: "loud", Format: "xml"})
	defer closer.Close()

	assert.Equal(t, logrus.InfoLevel, log.GetLevel())
	_, ok := log.Formatter.(*logrus.TextFormatter)
	assert.True(t, ok)
}
