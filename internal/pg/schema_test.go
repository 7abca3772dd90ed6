package pg

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"strizh/internal/dsl"
	"strizh/internal/reference"
)

func loadTestEntities(t *testing.T) map[string]*dsl.Entity {
	t.Helper()
	dir := t.TempDir()
	src := `
module crm

entity Client:
  code: string pk
  name: string required
  status: enum[active, archived] default=active
  priority: enum catalog=priorities
  score: int nullable

entity Deal:
  title: string required
  owner: ref[Client] on_delete=restrict
  reviewer: ref[Client] on_delete=set_null

  constraints:
    unique(title, owner)
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "crm.dsl"), []byte(src), 0o644))
	entities, err := dsl.LoadAllEntities(dir)
	require.NoError(t, err)
	return entities
}

func testCatalogs() map[string]reference.EnumDirectory {
	return map[string]reference.EnumDirectory{
		"priorities": {
			Name: "priorities",
			Items: []reference.EnumItem{
				{Code: "low", Name: "Low"},
				{Code: "high", Name: "High"},
			},
		},
	}
}

func TestGenerateDDL_Tables(t *testing.T) {
	ddl, err := GenerateDDL(loadTestEntities(t), testCatalogs())
	require.NoError(t, err)

	tables := ddl["100_schemas_and_tables"]
	require.NotEmpty(t, tables)

	assert.Contains(t, tables, `create schema if not exists "crm";`)
	assert.Contains(t, tables, `create table if not exists "crm"."clients"`)
	assert.Contains(t, tables, `create table if not exists "crm"."deals"`)

	// pk: not null + частичный уникальный индекс, никакого nullable
	assert.Contains(t, tables, `"code" text not null`)
	assert.Contains(t, tables, `create unique index if not exists "client_code_uq" on "crm"."clients"("code") where not deleted;`)

	// required string без blank получает непустой check
	assert.Contains(t, tables, `"name" text not null check ("name" <> '')`)

	// inline enum → check-ограничение
	assert.Contains(t, tables, `"status" in ('active', 'archived')`)

	// nullable остаётся null
	assert.Contains(t, tables, `"score" bigint null`)

	// ref-колонки носят имена свойств API
	assert.Contains(t, tables, `"owner_id" text`)
	assert.Contains(t, tables, `"reviewer_id" text`)
}

func TestGenerateDDL_CatalogLookup(t *testing.T) {
	ddl, err := GenerateDDL(loadTestEntities(t), testCatalogs())
	require.NoError(t, err)

	ref := ddl["000_reference_catalogs"]
	require.NotEmpty(t, ref)
	assert.Contains(t, ref, `create table if not exists "reference"."priorities"`)
	assert.Contains(t, ref, `insert into "reference"."priorities" (code, title) values ('high', 'High') on conflict (code) do nothing;`)

	fks := ddl["200_foreign_keys"]
	assert.Contains(t, fks, `references "reference"."priorities"("code")`)
}

func TestGenerateDDL_ForeignKeys(t *testing.T) {
	ddl, err := GenerateDDL(loadTestEntities(t), testCatalogs())
	require.NoError(t, err)

	fks := ddl["200_foreign_keys"]
	require.NotEmpty(t, fks)
	assert.Contains(t, fks, `alter table "crm"."deals" add constraint "deal_owner_id_fk" foreign key ("owner_id") references "crm"."clients"("id") on delete RESTRICT;`)
	assert.Contains(t, fks, `alter table "crm"."deals" add constraint "deal_reviewer_id_fk" foreign key ("reviewer_id") references "crm"."clients"("id") on delete SET NULL;`)
}

func TestGenerateDDL_CompositeUnique(t *testing.T) {
	ddl, err := GenerateDDL(loadTestEntities(t), testCatalogs())
	require.NoError(t, err)

	tables := ddl["100_schemas_and_tables"]
	// колонки составного unique переводятся в имена свойств
	assert.Contains(t, tables, `create unique index if not exists "deal_title_owner_id_uq" on "crm"."deals"("title", "owner_id") where not deleted;`)
}

func TestGenerateDDL_UnknownCatalog(t *testing.T) {
	_, err := GenerateDDL(loadTestEntities(t), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "priorities")
}
