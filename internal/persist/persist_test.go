package persist

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestAppend_CreatesFileAndWritesJSONLine(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "log.ndjson")
	s := Open(path)

	require.NoError(t, s.Append(map[string]any{"name": "a", "count": 1.0}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"name":"a"`)
}

func TestAppend_AppendsMultipleLinesInOrder(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "log.ndjson")
	s := Open(path)

	require.NoError(t, s.Append(map[string]any{"n": 1.0}))
	require.NoError(t, s.Append(map[string]any{"n": 2.0}))

	var seen []float64
	require.NoError(t, Load(path, func(line gjson.Result) {
		seen = append(seen, line.Get("n").Float())
	}))
	assert.Equal(t, []float64{1.0, 2.0}, seen)
}

func TestLoad_MissingFileYieldsNoLinesNoError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "missing.ndjson")

	called := false
	err := Load(path, func(line gjson.Result) { called = true })
	require.NoError(t, err)
	assert.False(t, called)
}

func TestLoad_DiscardsCorruptTrailingLine(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "log.ndjson")
	content := `{"n":1}` + "\n" + `{"n":2,"trunc` // trailing line is invalid JSON
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	var seen []float64
	require.NoError(t, Load(path, func(line gjson.Result) {
		seen = append(seen, line.Get("n").Float())
	}))
	assert.Equal(t, []float64{1.0}, seen)
}

func TestStore_Load_ReplaysOwnAppendsInOrder(t *testing.T) {
	dir := t.TempDir()
	s := Open(filepath.Join(dir, "log.ndjson"))

	require.NoError(t, s.Append(map[string]any{"n": 1.0}))
	require.NoError(t, s.Append(map[string]any{"n": 2.0}))

	var seen []float64
	require.NoError(t, s.Load(func(line gjson.Result) {
		seen = append(seen, line.Get("n").Float())
	}))
	assert.Equal(t, []float64{1.0, 2.0}, seen)
}

func TestLoad_SkipsBlankLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "log.ndjson")
	content := `{"n":1}` + "\n\n" + `{"n":2}` + "\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	count := 0
	require.NoError(t, Load(path, func(line gjson.Result) { count++ }))
	assert.Equal(t, 2, count)
}
