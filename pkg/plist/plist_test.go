package plist

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTripPreservesTypes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "doc.plist")

	when := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	doc := Dict{
		"name":    "Firefox",
		"size":    int64(10485760),
		"hidden":  true,
		"seen":    when,
		"blob":    []byte{0xde, 0xad},
		"list":    []interface{}{"a", "b"},
		"mapping": Dict{"inner": "value"},
	}
	require.NoError(t, Write(doc, path))

	got, err := Read(path)
	require.NoError(t, err)

	assert.Equal(t, "Firefox", got.String("name"))
	assert.Equal(t, 10485760, got.Int("size"))
	assert.True(t, got.Bool("hidden"))
	assert.True(t, when.Equal(got.Date("seen")))
	assert.Equal(t, []byte{0xde, 0xad}, got.Data("blob"))
	assert.Equal(t, []string{"a", "b"}, got.StringArray("list"))
	require.NotNil(t, got.Dict("mapping"))
	assert.Equal(t, "value", got.Dict("mapping").String("inner"))
}

func TestReadMissingFile(t *testing.T) {
	_, err := Read(filepath.Join(t.TempDir(), "nope.plist"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReadMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.plist")
	require.NoError(t, os.WriteFile(path, []byte("not a plist at all"), 0644))
	_, err := Read(path)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestWriteIsAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "doc.plist")
	require.NoError(t, Write(Dict{"v": "one"}, path))
	require.NoError(t, Write(Dict{"v": "two"}, path))

	got, err := Read(path)
	require.NoError(t, err)
	assert.Equal(t, "two", got.String("v"))

	// No temp files left behind.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestAccessorsOnMissingKeys(t *testing.T) {
	d := Dict{}
	assert.Equal(t, "", d.String("x"))
	assert.Equal(t, 0, d.Int("x"))
	assert.False(t, d.Bool("x"))
	assert.True(t, d.Date("x").IsZero())
	assert.Nil(t, d.Dict("x"))
	assert.Nil(t, d.Array("x"))
	assert.False(t, d.Has("x"))
}
