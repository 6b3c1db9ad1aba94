package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"segstream/internal/config"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_AppliesDefaults(t *testing.T) {
	path := writeConfig(t, `{"bufferGoal": 45}`)
	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, 45.0, cfg.BufferGoal)
	assert.Equal(t, 1.2, cfg.ContentReplacementPadding)
	assert.Equal(t, 1.5, cfg.BitrateRebufferingRatio)
	assert.Equal(t, 3, cfg.MaxRequestRetries)
	assert.Equal(t, 5*time.Second, cfg.SegmentRequestTimeout)
}

func TestLoad_TimeoutSeconds(t *testing.T) {
	path := writeConfig(t, `{"segmentRequestTimeoutSeconds": 2.5}`)
	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2500*time.Millisecond, cfg.SegmentRequestTimeout)
}

func TestLoad_RejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"rebuffering ratio below 1": `{"bitrateRebufferingRatio": 0.5}`,
		"zero minimum segment size": `{"minimumSegmentSize": 0}`,
		"zero retries":              `{"maxRequestRetries": 0}`,
		"zero concurrency":          `{"maxConcurrentRequests": 0}`,
		"zero buffer capacity":      `{"bufferCapacity": 0}`,
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := config.Load(writeConfig(t, content))
			assert.Error(t, err)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "absent.json"))
	assert.Error(t, err)
}

func TestEpsilon(t *testing.T) {
	cfg := config.Default()
	assert.Equal(t, cfg.MinimumSegmentSize, cfg.Epsilon(), "the default minimum segment size is below 1/60")

	cfg.MinimumSegmentSize = 0.5
	assert.InDelta(t, 1.0/60.0, cfg.Epsilon(), 1e-9)
}
