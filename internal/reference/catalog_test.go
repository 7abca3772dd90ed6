package reference

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadEnumCatalog(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "colors.yaml"), []byte(`
name: colors
title: Цвета
items:
  - code: red
    name: Красный
  - code: green
    name: Зелёный
  - code: blue
    name: Синий
`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "priorities.yml"), []byte(`
items:
  - code: low
    name: Низкий
  - code: high
    name: Высокий
`), 0o644))
	// не yaml — должен игнорироваться
	require.NoError(t, os.WriteFile(filepath.Join(dir, "readme.txt"), []byte("x"), 0o644))

	catalog, err := LoadEnumCatalog(dir)
	require.NoError(t, err)
	require.Len(t, catalog, 2)

	colors := catalog["colors"]
	assert.Equal(t, []string{"red", "green", "blue"}, colors.Codes())
	assert.True(t, colors.Has("green"))
	assert.False(t, colors.Has("magenta"))

	// имя из файла, если в yaml не задано
	pr, ok := catalog["priorities"]
	require.True(t, ok)
	assert.Equal(t, "priorities", pr.Name)
}

func TestLoadEnumCatalog_Empty(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "empty.yaml"), []byte("name: empty\nitems: []\n"), 0o644))

	_, err := LoadEnumCatalog(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty")
}
