package matching

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeProfile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "matching.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadProfile(t *testing.T) {
	t.Run("full profile", func(t *testing.T) {
		path := writeProfile(t, `
matching:
  weights:
    name: 50
    address: 25
    distance: 15
    category: 10
  max_distance_meters: 500
  min_confidence_score: 40
  strict_mode: true
`)
		opts, err := LoadProfile(path)
		require.NoError(t, err)
		assert.Equal(t, Weights{Name: 50, Address: 25, Distance: 15, Category: 10}, opts.Weights)
		assert.Equal(t, 500.0, opts.MaxDistanceMeters)
		assert.Equal(t, 40, opts.MinConfidenceScore)
		assert.True(t, opts.StrictMode)
	})

	t.Run("omitted values fall back to defaults", func(t *testing.T) {
		path := writeProfile(t, `
matching:
  strict_mode: true
`)
		opts, err := LoadProfile(path)
		require.NoError(t, err)
		def := DefaultOptions()
		assert.Equal(t, def.Weights, opts.Weights)
		assert.Equal(t, def.MaxDistanceMeters, opts.MaxDistanceMeters)
		assert.Equal(t, def.MinConfidenceScore, opts.MinConfidenceScore)
		assert.True(t, opts.StrictMode)
	})

	t.Run("negative weight rejected", func(t *testing.T) {
		path := writeProfile(t, `
matching:
  weights:
    name: -10
    address: 30
`)
		_, err := LoadProfile(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "non-negative")
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadProfile(filepath.Join(t.TempDir(), "absent.yaml"))
		assert.Error(t, err)
	})

	t.Run("malformed yaml", func(t *testing.T) {
		path := writeProfile(t, "matching: [not a map")
		_, err := LoadProfile(path)
		assert.Error(t, err)
	})
}

func TestOptionsValidate(t *testing.T) {
	t.Run("defaults are valid", func(t *testing.T) {
		assert.NoError(t, DefaultOptions().Validate())
	})

	t.Run("all-zero weights rejected", func(t *testing.T) {
		opts := DefaultOptions()
		opts.Weights = Weights{}
		err := opts.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "at least one factor weight")
	})

	t.Run("confidence out of range rejected", func(t *testing.T) {
		opts := DefaultOptions()
		opts.MinConfidenceScore = 101
		assert.Error(t, opts.Validate())
	})
}
