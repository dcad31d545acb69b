package retina

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSettings(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "retina.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestConfig_Defaults(t *testing.T) {
	assert.NoError(t, MobileNetConfig().Validate())
	assert.NoError(t, DefaultThresholds().Validate())

	s := DefaultSettings()
	assert.Equal(t, DefaultInputSize, s.InputSize)
	assert.Equal(t, float32(0.4), s.Thresholds.NMS)
	assert.Equal(t, 750, s.Thresholds.KeepTopK)
}

func TestConfig_LoadSettings(t *testing.T) {
	path := writeSettings(t, `
input_size: 320
thresholds:
  confidence: 0.5
  top_k: 100
  nms: 0.3
  keep_top_k: 10
  vis: 0.8
`)
	s, err := LoadSettings(path)
	require.NoError(t, err)
	assert.Equal(t, 320, s.InputSize)
	assert.Equal(t, Thresholds{Confidence: 0.5, TopK: 100, NMS: 0.3, KeepTopK: 10, Vis: 0.8}, s.Thresholds)
	assert.Equal(t, MobileNetConfig(), s.Config)
}

func TestConfig_LoadPyramid(t *testing.T) {
	path := writeSettings(t, `
name: single
min_sizes: [[8]]
steps: [4]
variance: [0.1, 0.2]
clip: true
`)
	s, err := LoadSettings(path)
	require.NoError(t, err)
	assert.Equal(t, "single", s.Name)
	assert.Equal(t, [][]int{{8}}, s.MinSizes)
	assert.Equal(t, []int{4}, s.Steps)
	assert.True(t, s.Clip)
	assert.Equal(t, DefaultThresholds(), s.Thresholds)
}

func TestConfig_LoadInvalid(t *testing.T) {
	testCases := []struct {
		name    string
		content string
	}{
		{"malformed", "steps: [8, 16"},
		{"level mismatch", "min_sizes: [[16]]\nsteps: [8, 16]"},
		{"negative step", "min_sizes: [[16]]\nsteps: [-8]"},
		{"zero input size", "input_size: 0"},
		{"threshold range", "thresholds:\n  confidence: 2\n  top_k: 1\n  nms: 0.4\n  keep_top_k: 1"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadSettings(writeSettings(t, tc.content))
			assert.True(t, errors.Is(err, ErrConfiguration), "got %v", err)
		})
	}

	_, err := LoadSettings(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
	assert.False(t, errors.Is(err, ErrConfiguration))
}
