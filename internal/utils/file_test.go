package utils

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenameWithRetry(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "a")
	require.NoError(t, os.WriteFile(src, []byte("x"), 0644))
	require.NoError(t, RenameWithRetry(src, filepath.Join(dir, "b"), 0, time.Millisecond))

	err := RenameWithRetry(filepath.Join(dir, "missing"), filepath.Join(dir, "c"), 0, time.Millisecond)
	assert.Error(t, err)
}

func TestWriteJSONAtomicAndRead(t *testing.T) {
	p := filepath.Join(t.TempDir(), "nested", "state.json")
	require.NoError(t, WriteJSONAtomic(p, map[string]int{"runs": 3}))

	var got map[string]int
	found, err := ReadJSON(p, &got)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 3, got["runs"])

	entries, err := os.ReadDir(filepath.Dir(p))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

func TestReadJSONMissingAndCorrupt(t *testing.T) {
	dir := t.TempDir()
	var v map[string]any
	found, err := ReadJSON(filepath.Join(dir, "nope.json"), &v)
	require.NoError(t, err)
	assert.False(t, found)

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte("{"), 0644))
	found, err = ReadJSON(bad, &v)
	assert.True(t, found)
	assert.Error(t, err)
}

func TestUniquePath(t *testing.T) {
	dir := t.TempDir()
	first := UniquePath(dir, "cycle_20260101_000000", ".json")
	assert.Equal(t, filepath.Join(dir, "cycle_20260101_000000.json"), first)
	require.NoError(t, os.WriteFile(first, nil, 0644))

	second := UniquePath(dir, "cycle_20260101_000000", ".json")
	assert.Equal(t, filepath.Join(dir, "cycle_20260101_000000_1.json"), second)
}

func TestSanitizeName(t *testing.T) {
	tests := map[string]string{
		"peer-a":          "peer-a",
		"peer a/../etc":   "peer_a_.._etc",
		"  ":              "unknown",
		"node.example:80": "node.example_80",
	}
	for in, want := range tests {
		assert.Equal(t, want, SanitizeName(in), "SanitizeName(%q)", in)
	}
}
