package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestNewWritesRotatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "anchoredit.log")
	log := New(Config{Level: "info", File: path, Production: true})
	Module(log, "apply").Info("applied", zap.String("request", "req_1"))
	_ = log.Sync()

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"module":"apply"`)
	assert.Contains(t, string(raw), `"request":"req_1"`)
}

func TestLevelFiltersDebug(t *testing.T) {
	path := filepath.Join(t.TempDir(), "anchoredit.log")
	log := New(Config{Level: "warn", File: path, Production: true})
	log.Info("hidden")
	log.Warn("shown")
	_ = log.Sync()

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "hidden")
	assert.Contains(t, string(raw), "shown")
}

func TestParseLevelFallback(t *testing.T) {
	assert.Equal(t, zapcore.InfoLevel, parseLevel("loud"))
	assert.Equal(t, zapcore.DebugLevel, parseLevel("debug"))
	assert.Equal(t, 7, orDefault(7, 10))
	assert.Equal(t, 10, orDefault(0, 10))
}

func TestModuleNilLogger(t *testing.T) {
	assert.NotNil(t, Module(nil, "x"))
}
