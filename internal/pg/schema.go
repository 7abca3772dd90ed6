package pg

import (
	"fmt"
	"sort"
	"strings"

	"strizh/internal/dsl"
	"strizh/internal/openapi"
	"strizh/internal/reference"
)

type OnDeletePolicy string

const (
	OnDeleteRestrict OnDeletePolicy = "RESTRICT"
	OnDeleteSetNull  OnDeletePolicy = "SET NULL"
)

var reserved = map[string]struct{}{
	"user": {}, "select": {}, "table": {}, "insert": {}, "update": {}, "delete": {},
	"where": {}, "join": {}, "group": {}, "order": {}, "limit": {}, "offset": {},
	"primary": {}, "foreign": {}, "key": {}, "constraint": {}, "default": {},
	"from": {}, "into": {}, "values": {}, "unique": {}, "index": {}, "create": {},
	"drop": {}, "alter": {}, "schema": {}, "grant": {}, "revoke": {},
}

func isReserved(s string) bool { _, ok := reserved[strings.ToLower(s)]; return ok }

// элементарная плюрализация (достаточно для users, projects, ...)
func plural(s string) string {
	s = strings.ToLower(s)
	if strings.HasSuffix(s, "s") {
		return s
	}
	return s + "s"
}

// schema = module (lower), table = plural(entity) с защитой keyword'ов
func safeSchema(module string) string { return strings.ToLower(module) }

func safeTable(entity string) string {
	t := plural(entity)
	if isReserved(t) {
		t = "e_" + t
	}
	return t
}

func fqn(mod, tbl string) string {
	return fmt.Sprintf("%s.%s", strings.ToLower(mod), strings.ToLower(tbl))
}

func sqlIdent(s string) string { return `"` + strings.ToLower(s) + `"` }

func sqlString(s string) string { return "'" + strings.ReplaceAll(s, "'", "''") + "'" }

func mapType(f *dsl.Field) (string, error) {
	t := strings.ToLower(f.Type)
	switch t {
	case "string", "file":
		return "text", nil
	case "int":
		return "bigint", nil
	case "float":
		return "double precision", nil
	case "bool":
		return "boolean", nil
	case "date":
		return "date", nil
	case "datetime":
		return "timestamp with time zone", nil
	case "enum":
		return "text", nil
	case "ref":
		return "text", nil // id целевой записи
	case "array":
		// массив примитивов и ссылок — jsonb
		return "jsonb", nil
	default:
		return "", fmt.Errorf("unknown type: %s", f.Type)
	}
}

func onDeleteSQL(f *dsl.Field) OnDeletePolicy {
	if f.OnDelete() == "set_null" {
		return OnDeleteSetNull
	}
	return OnDeleteRestrict
}

// columnName: в БД колонки носят те же имена, что свойства в API,
// поэтому ref-поле owner хранится как owner_id и там и там.
func columnName(f *dsl.Field) string {
	return strings.ToLower(openapi.PropertyName(f))
}

// GenerateDDL возвращает карту ключ -> SQL (схемы, lookup-таблицы
// справочников, таблицы сущностей, FK). Ключи упорядочивают фазы
// применения в ApplyDDL.
func GenerateDDL(entities map[string]*dsl.Entity, enums map[string]reference.EnumDirectory) (map[string]string, error) {
	out := make(map[string]string, 4)

	// стабильный порядок сущностей
	keys := make([]string, 0, len(entities))
	for k := range entities {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	// --- Phase 0: lookup-таблицы справочников ---
	usedCatalogs := map[string]bool{}
	for _, fqnKey := range keys {
		for i := range entities[fqnKey].Fields {
			if c := entities[fqnKey].Fields[i].Catalog; c != "" {
				usedCatalogs[c] = true
			}
		}
	}
	catNames := make([]string, 0, len(usedCatalogs))
	for name := range usedCatalogs {
		catNames = append(catNames, name)
	}
	sort.Strings(catNames)

	var phase0 strings.Builder
	if len(catNames) > 0 {
		fmt.Fprintf(&phase0, "create schema if not exists %s;\n", sqlIdent("reference"))
	}
	for _, name := range catNames {
		dir, ok := enums[name]
		if !ok {
			return nil, fmt.Errorf("unknown enum catalog %q", name)
		}
		tbl := fmt.Sprintf("%s.%s", sqlIdent("reference"), sqlIdent(name))
		fmt.Fprintf(&phase0, "create table if not exists %s (\n  \"code\" text primary key,\n  \"title\" text\n);\n", tbl)
		for _, it := range dir.Items {
			fmt.Fprintf(&phase0, "insert into %s (code, title) values (%s, %s) on conflict (code) do nothing;\n",
				tbl, sqlString(it.Code), sqlString(it.Name))
		}
	}
	if phase0.Len() > 0 {
		out["000_reference_catalogs"] = phase0.String()
	}

	// --- Phase A: schemas + tables + unique ---
	var phaseASb strings.Builder
	seenSchemas := map[string]struct{}{}

	type fkStmt struct {
		mod, tbl, name, col, refSchema, refTbl, refCol string
		onDelete                                       OnDeletePolicy
	}
	var fks []fkStmt

	for _, fqnKey := range keys {
		e := entities[fqnKey]

		mod := safeSchema(e.Module)
		tbl := safeTable(e.Name)

		if _, ok := seenSchemas[mod]; !ok {
			fmt.Fprintf(&phaseASb, "create schema if not exists %s;\n", sqlIdent(mod))
			seenSchemas[mod] = struct{}{}
		}

		// системные колонки
		var cols []string
		cols = append(cols, `"id" text primary key`)
		cols = append(cols, `"version" bigint not null`)
		cols = append(cols, `"created_at" timestamp with time zone not null`)
		cols = append(cols, `"updated_at" timestamp with time zone not null`)
		cols = append(cols, `"deleted" boolean not null default false`)

		seen := map[string]struct{}{"id": {}, "version": {}, "created_at": {}, "updated_at": {}, "deleted": {}}

		// пользовательские поля
		for i := range e.Fields {
			f := &e.Fields[i]
			col := columnName(f)
			if _, exists := seen[col]; exists {
				return nil, fmt.Errorf("%s: field %q maps to duplicate column %q", fqnKey, f.Name, col)
			}
			seen[col] = struct{}{}

			typ, err := mapType(f)
			if err != nil {
				return nil, fmt.Errorf("%s.%s: %w", fqnKey, f.Name, err)
			}

			// null-политика колонок повторяет политику API: pk и required
			// не допускают null, явный nullable — допускает
			null := "null"
			if f.IsRequired() && !f.IsNullable() {
				null = "not null"
			}

			def := ""
			if dv, ok := f.Default(); ok && strings.TrimSpace(dv) != "" {
				switch strings.ToLower(f.Type) {
				case "int", "float", "bool":
					def = " default " + dv
				default:
					def = " default " + sqlString(dv)
				}
			}

			check := ""
			if f.IsEnum() && f.Catalog == "" && len(f.Enum) > 0 && !strings.EqualFold(f.Type, "array") {
				vals := make([]string, 0, len(f.Enum))
				for _, ev := range f.Enum {
					vals = append(vals, sqlString(ev))
				}
				check = fmt.Sprintf(" check (%s in (%s) or %s is null)", sqlIdent(col), strings.Join(vals, ", "), sqlIdent(col))
			}
			if strings.EqualFold(f.Type, "string") && f.IsRequired() && !f.IsBlank() {
				check = fmt.Sprintf(" check (%s <> '')", sqlIdent(col))
			}

			cols = append(cols, fmt.Sprintf("%s %s %s%s%s", sqlIdent(col), typ, null, def, check))
		}

		fmt.Fprintf(&phaseASb, "create table if not exists %s.%s (\n  %s\n);\n",
			sqlIdent(mod), sqlIdent(tbl), strings.Join(cols, ",\n  "))

		// pk и unique-поля — частичные уникальные индексы (живые записи)
		for i := range e.Fields {
			f := &e.Fields[i]
			if !f.IsPK() && !f.IsUnique() {
				continue
			}
			col := columnName(f)
			fmt.Fprintf(&phaseASb, "create unique index if not exists %s on %s.%s(%s) where not deleted;\n",
				sqlIdent(strings.ToLower(e.Name)+"_"+col+"_uq"),
				sqlIdent(mod), sqlIdent(tbl), sqlIdent(col))
		}

		// составные unique
		for _, set := range e.Constraints.Unique {
			if len(set) == 0 {
				continue
			}
			parts := make([]string, 0, len(set))
			nameParts := make([]string, 0, len(set))
			for _, p := range set {
				col := strings.ToLower(p)
				if f := e.FieldByName(p); f != nil {
					col = columnName(f)
				}
				parts = append(parts, sqlIdent(col))
				nameParts = append(nameParts, col)
			}
			idxName := strings.ToLower(e.Name) + "_" + strings.Join(nameParts, "_") + "_uq"
			fmt.Fprintf(&phaseASb, "create unique index if not exists %s on %s.%s(%s) where not deleted;\n",
				sqlIdent(idxName), sqlIdent(mod), sqlIdent(tbl), strings.Join(parts, ", "))
		}

		// FK собираем, исполняем после создания всех таблиц
		for i := range e.Fields {
			f := &e.Fields[i]
			if f.IsRef() && f.RefTarget != "" {
				target := f.RefFQN(e)
				tm, te := target, ""
				if dot := strings.IndexByte(target, '.'); dot > 0 {
					tm, te = target[:dot], target[dot+1:]
				}
				fks = append(fks, fkStmt{
					mod:       mod,
					tbl:       tbl,
					name:      strings.ToLower(e.Name) + "_" + columnName(f) + "_fk",
					col:       columnName(f),
					refSchema: safeSchema(tm),
					refTbl:    safeTable(te),
					refCol:    "id",
					onDelete:  onDeleteSQL(f),
				})
			}
			if f.Catalog != "" && !strings.EqualFold(f.Type, "array") {
				fks = append(fks, fkStmt{
					mod:       mod,
					tbl:       tbl,
					name:      strings.ToLower(e.Name) + "_" + columnName(f) + "_cat_fk",
					col:       columnName(f),
					refSchema: "reference",
					refTbl:    strings.ToLower(f.Catalog),
					refCol:    "code",
					onDelete:  OnDeleteRestrict,
				})
			}
		}
	}
	out["100_schemas_and_tables"] = phaseASb.String()

	// --- Phase B: foreign keys ---
	var phaseBSb strings.Builder
	for _, fk := range fks {
		fmt.Fprintf(&phaseBSb,
			"alter table %s.%s add constraint %s foreign key (%s) references %s.%s(%s) on delete %s;\n",
			sqlIdent(fk.mod), sqlIdent(fk.tbl),
			sqlIdent(fk.name),
			sqlIdent(fk.col),
			sqlIdent(fk.refSchema), sqlIdent(fk.refTbl), sqlIdent(fk.refCol),
			fk.onDelete,
		)
	}
	if phaseBSb.Len() > 0 {
		out["200_foreign_keys"] = phaseBSb.String()
	}

	return out, nil
}
