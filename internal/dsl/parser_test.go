package dsl

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeDSL(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "entities.dsl")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadEntities_Basic(t *testing.T) {
	path := writeDSL(t, `
module core

entity Task:
  code: string pk
  title: string required
  status: enum[draft, published] default=draft
  notes: string blank
  estimate: int nullable
`)
	ents, err := LoadEntities(path)
	require.NoError(t, err)
	require.Len(t, ents, 1)

	e := ents[0]
	assert.Equal(t, "core", e.Module)
	assert.Equal(t, "Task", e.Name)
	assert.Equal(t, "core.Task", e.FQN())
	require.Len(t, e.Fields, 5)

	code := e.FieldByName("code")
	require.NotNil(t, code)
	assert.True(t, code.IsPK())
	assert.True(t, code.IsRequired())
	assert.False(t, code.IsNullable())

	status := e.FieldByName("status")
	require.NotNil(t, status)
	assert.Equal(t, "enum", status.Type)
	assert.Equal(t, []string{"draft", "published"}, status.Enum)
	assert.Empty(t, status.Catalog)
	def, ok := status.Default()
	assert.True(t, ok)
	assert.Equal(t, "draft", def)

	notes := e.FieldByName("notes")
	require.NotNil(t, notes)
	assert.True(t, notes.IsBlank())
	assert.False(t, notes.IsNullable(), "blank не означает nullable")

	estimate := e.FieldByName("estimate")
	require.NotNil(t, estimate)
	assert.True(t, estimate.IsNullable())
}

func TestLoadEntities_CatalogEnum(t *testing.T) {
	path := writeDSL(t, `
module crm

entity Lead:
  name: string required
  color: enum catalog=colors
  tags: array[enum[hot, cold]]
`)
	ents, err := LoadEntities(path)
	require.NoError(t, err)
	require.Len(t, ents, 1)

	color := ents[0].FieldByName("color")
	require.NotNil(t, color)
	assert.Equal(t, "enum", color.Type)
	assert.Equal(t, "colors", color.Catalog)
	assert.Empty(t, color.Enum)

	tags := ents[0].FieldByName("tags")
	require.NotNil(t, tags)
	assert.Equal(t, "array", tags.Type)
	assert.Equal(t, "enum", tags.ElemType)
	assert.Equal(t, []string{"hot", "cold"}, tags.Enum)
}

func TestLoadEntities_CatalogOnNonEnum(t *testing.T) {
	path := writeDSL(t, `
module crm

entity Lead:
  name: string catalog=colors
`)
	_, err := LoadEntities(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "catalog=")
}

func TestLoadEntities_RefsAndConstraints(t *testing.T) {
	path := writeDSL(t, `
module core

entity User:
  email: string required unique

entity Project:
  name: string required
  owner: ref[User] required on_delete=restrict
  members: array[ref[core.User]] on_delete=set_null
  constraints:
    unique(name, owner)
`)
	ents, err := LoadEntities(path)
	require.NoError(t, err)
	require.Len(t, ents, 2)

	p := ents[1]
	owner := p.FieldByName("owner")
	require.NotNil(t, owner)
	assert.True(t, owner.IsRef())
	assert.Equal(t, "core.User", owner.RefFQN(p))
	assert.Equal(t, "restrict", owner.OnDelete())

	members := p.FieldByName("members")
	require.NotNil(t, members)
	assert.True(t, members.IsArrayRef())
	assert.Equal(t, "set_null", members.OnDelete())

	require.Len(t, p.Constraints.Unique, 1)
	assert.Equal(t, []string{"name", "owner"}, p.Constraints.Unique[0])
}

func TestLoadAllEntities(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "core"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "core", "a.dsl"), []byte(`
module core
entity User:
  email: string required
`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.dsl"), []byte(`
module crm
entity Lead:
  name: string
`), 0o644))

	all, err := LoadAllEntities(dir)
	require.NoError(t, err)
	assert.Len(t, all, 2)
	assert.Contains(t, all, "core.User")
	assert.Contains(t, all, "crm.Lead")
}

func TestLoadAllEntities_Duplicate(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.dsl"), []byte(`
module core
entity User:
  email: string
`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.dsl"), []byte(`
module core
entity User:
  name: string
`), 0o644))

	_, err := LoadAllEntities(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate entity")
}

func TestLoadAllEntities_NoModule(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.dsl"), []byte(`
entity User:
  email: string
`), 0o644))

	_, err := LoadAllEntities(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no module")
}
