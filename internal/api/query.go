package api

import (
	"fmt"
	"net/url"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	"strizh/internal/dsl"
)

// ==== Типы сортировки и параметров листинга ====

type SortKey struct {
	Field string
	Desc  bool
}

type ListParams struct {
	Limit  int
	Offset int
	Sort   []SortKey
	Q      string
	Nulls  string // "last" (default) | "first"
}

type filterCond struct {
	field string
	op    string
	vals  []string
}

// ==== Парсинг query-параметров ====

func parseListParams(q url.Values) ListParams {
	// limit
	limit := 50
	lv := q.Get("_limit")
	if lv == "" {
		lv = q.Get("limit")
	}
	if lv != "" {
		if n, err := strconv.Atoi(lv); err == nil && n >= 0 && n <= 1000 {
			limit = n
		}
	}

	// offset
	offset := 0
	ov := q.Get("_offset")
	if ov == "" {
		ov = q.Get("offset")
	}
	if ov != "" {
		if n, err := strconv.Atoi(ov); err == nil && n >= 0 {
			offset = n
		}
	}

	// sort
	var sortKeys []SortKey
	sv := strings.TrimSpace(q.Get("_sort"))
	if sv == "" {
		sv = strings.TrimSpace(q.Get("sort"))
	}
	if sv != "" {
		parts := strings.Split(sv, ",")
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p == "" {
				continue
			}
			desc := false
			if strings.HasPrefix(p, "-") {
				desc = true
				p = strings.TrimPrefix(p, "-")
			} else if strings.HasPrefix(p, "+") {
				p = strings.TrimPrefix(p, "+")
			}
			if p != "" {
				sortKeys = append(sortKeys, SortKey{Field: p, Desc: desc})
			}
		}
	}

	// nulls
	nulls := strings.ToLower(strings.TrimSpace(q.Get("nulls")))
	if nulls != "first" && nulls != "last" {
		nulls = "last"
	}

	return ListParams{
		Limit:  limit,
		Offset: offset,
		Sort:   sortKeys,
		Q:      strings.TrimSpace(q.Get("q")),
		Nulls:  nulls,
	}
}

// ==== Фильтры с операторами (field, field__op, in:) ====

func buildConds(schema *dsl.Entity, q url.Values) []filterCond {
	aliases := inputAliases(schema)
	var out []filterCond
	for key, vals := range q {
		switch key {
		case "q", "offset", "limit", "sort", "order",
			"_offset", "_limit", "_sort", "_order",
			"nulls", apiKeyQuery:
			continue
		}
		if len(vals) == 0 {
			continue
		}
		// key может быть: field или field__op
		field := key
		op := "eq"
		if i := strings.LastIndex(key, "__"); i > 0 {
			field = key[:i]
			op = key[i+2:]
		}
		// алиасы (camelCase и явные) приводим к каноническому имени свойства
		if canonical, ok := aliases[field]; ok {
			field = canonical
		}
		v := vals[0]
		if strings.HasPrefix(v, "in:") {
			op = "in"
			v = strings.TrimPrefix(v, "in:")
		}
		var parts []string
		if op == "in" {
			for _, p := range strings.Split(v, ",") {
				p = strings.TrimSpace(p)
				if p != "" {
					parts = append(parts, p)
				}
			}
		} else {
			parts = []string{v}
		}
		if field != "" && len(parts) > 0 {
			out = append(out, filterCond{field: field, op: op, vals: parts})
		}
	}
	return out
}

func fieldTypeOf(schema *dsl.Entity, prop string) string {
	for i := range schema.Fields {
		f := &schema.Fields[i]
		if propName(f) != prop {
			continue
		}
		if f.IsEnum() {
			return "enum"
		}
		if f.IsRef() {
			return "string"
		}
		return f.Type
	}
	// системные поля листинга
	switch prop {
	case "id":
		return "string"
	case "version":
		return "int"
	case "created_at", "updated_at":
		return "datetime"
	}
	return "" // неизвестное поле
}

func compareByType(ft string, got any, op string, want string) bool {
	// равенство/IN для всего — сравниваем строковые представления
	switch op {
	case "eq":
		return strings.EqualFold(toString(got), want)
	case "in":
		gs := toString(got)
		for _, w := range strings.Split(want, ",") {
			if strings.EqualFold(gs, strings.TrimSpace(w)) {
				return true
			}
		}
		return false
	}

	// сравнения — только для чисел и дат
	switch ft {
	case "int", "float":
		parse := func(s string) (float64, bool) {
			f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
			return f, err == nil
		}
		var gv float64
		switch x := got.(type) {
		case float64:
			gv = x
		case int, int32, int64:
			gv = float64(reflect.ValueOf(x).Int())
		case string:
			if f, ok := parse(x); ok {
				gv = f
			} else {
				return false
			}
		default:
			return false
		}
		wv, ok := parse(want)
		if !ok {
			return false
		}
		switch op {
		case "gt":
			return gv > wv
		case "gte":
			return gv >= wv
		case "lt":
			return gv < wv
		case "lte":
			return gv <= wv
		}
		return false

	case "date", "datetime":
		layout := "2006-01-02"
		if ft == "datetime" {
			layout = time.RFC3339
		}
		wd, err := time.Parse(layout, strings.TrimSpace(want))
		if err != nil {
			return false
		}
		gs, ok := got.(string)
		if !ok {
			return false
		}
		gd, err := time.Parse(layout, gs)
		if err != nil {
			return false
		}
		switch op {
		case "gt":
			return gd.After(wd)
		case "gte":
			return !gd.Before(wd)
		case "lt":
			return gd.Before(wd)
		case "lte":
			return !gd.After(wd)
		}
		return false
	}

	// неизвестный тип/оператор — не совпало
	return false
}

func filterWithOps(all []*Record, schema *dsl.Entity, q url.Values) []*Record {
	conds := buildConds(schema, q)
	needle := strings.ToLower(strings.TrimSpace(q.Get("q")))
	if len(conds) == 0 && needle == "" {
		return all
	}
	out := make([]*Record, 0, len(all))

loopRecs:
	for _, r := range all {
		// 1) операторы по полям
		for _, cnd := range conds {
			ft := fieldTypeOf(schema, cnd.field)
			if ft == "" {
				// неизвестное поле — считаем, что не матчится
				continue loopRecs
			}
			got := r.Data[cnd.field]
			switch cnd.op {
			case "eq":
				if !compareByType(ft, got, "eq", cnd.vals[0]) {
					continue loopRecs
				}
			case "in":
				if !compareByType(ft, got, "in", strings.Join(cnd.vals, ",")) {
					continue loopRecs
				}
			case "gt", "gte", "lt", "lte":
				if !compareByType(ft, got, cnd.op, cnd.vals[0]) {
					continue loopRecs
				}
			default:
				continue loopRecs
			}
		}
		// 2) полнотекстовый q по строковым полям
		if needle != "" {
			found := false
			for _, v := range r.Data {
				if s, ok := v.(string); ok && strings.Contains(strings.ToLower(s), needle) {
					found = true
					break
				}
			}
			if !found {
				continue
			}
		}
		out = append(out, r)
	}
	return out
}

// ==== Утилита ====

func toString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}

// ==== Сортировка с политикой nulls ====

func isNull(v any, ok bool) bool { return !ok || v == nil }

// значение для сортировки: системные поля берём из самой записи
func sortValue(r *Record, key string) (any, bool) {
	switch key {
	case "id":
		return r.ID, true
	case "version":
		return r.Version, true
	case "created_at":
		return r.CreatedAt.Format(time.RFC3339), true
	case "updated_at":
		return r.UpdatedAt.Format(time.RFC3339), true
	}
	v, ok := r.Data[key]
	return v, ok
}

func toFloatValue(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		return f, err == nil
	}
	return 0, false
}

// типизированное сравнение двух ненулевых значений; при невозможности
// распарсить под тип поля откатываемся к строковому сравнению
func cmpTyped(ft string, va, vb any) int {
	switch ft {
	case "int", "float":
		fa, oka := toFloatValue(va)
		fb, okb := toFloatValue(vb)
		if oka && okb {
			switch {
			case fa < fb:
				return -1
			case fa > fb:
				return +1
			}
			return 0
		}
	case "date", "datetime":
		layout := "2006-01-02"
		if ft == "datetime" {
			layout = time.RFC3339
		}
		ta, ea := time.Parse(layout, toString(va))
		tb, eb := time.Parse(layout, toString(vb))
		if ea == nil && eb == nil {
			switch {
			case ta.Before(tb):
				return -1
			case ta.After(tb):
				return +1
			}
			return 0
		}
	}
	sa := toString(va)
	sb := toString(vb)
	switch {
	case sa < sb:
		return -1
	case sa > sb:
		return +1
	}
	return 0
}

// сравнение двух записей по одному ключу с учётом nullsPolicy и направления
func cmpByKey(a, b *Record, key, ft string, nullsPolicy string, desc bool) int {
	va, oka := sortValue(a, key)
	vb, okb := sortValue(b, key)

	na := isNull(va, oka)
	nb := isNull(vb, okb)

	// nulls first/last
	if na && nb {
		return 0
	}
	if na != nb {
		if nullsPolicy == "last" {
			if na {
				return +1
			}
			return -1
		}
		if na {
			return -1
		}
		return +1
	}

	rel := cmpTyped(ft, va, vb)
	if desc {
		rel = -rel
	}
	return rel
}

// мультисортировка с учётом nullsPolicy; числа и даты сравниваются
// по типу поля, а не лексикографически
func sortRecordsMultiNulls(records []*Record, schema *dsl.Entity, keys []SortKey, nullsPolicy string) {
	if len(keys) == 0 {
		return
	}
	aliases := inputAliases(schema)
	resolved := make([]SortKey, 0, len(keys))
	types := make([]string, 0, len(keys))
	for _, k := range keys {
		if k.Field == "" {
			continue
		}
		field := k.Field
		if canonical, ok := aliases[field]; ok {
			field = canonical
		}
		resolved = append(resolved, SortKey{Field: field, Desc: k.Desc})
		types = append(types, fieldTypeOf(schema, field))
	}
	sort.SliceStable(records, func(i, j int) bool {
		for n, k := range resolved {
			if c := cmpByKey(records[i], records[j], k.Field, types[n], nullsPolicy, k.Desc); c != 0 {
				return c < 0
			}
		}
		return false
	})
}
