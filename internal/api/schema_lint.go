// api/schema_lint.go
package api

import (
	"fmt"
	"strings"
)

type SchemaIssue struct {
	Entity  string `json:"entity"` // FQN: module.Entity
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// SchemaLint проверяет базовые противоречия в DSL.
func (s *Storage) SchemaLint() []SchemaIssue {
	var issues []SchemaIssue

	schemas := s.SchemaSet()
	enums := s.EnumSet()
	for fqn, e := range schemas {
		// занятые имена свойств — для проверки явных алиасов
		props := make(map[string]string, len(e.Fields))
		for i := range e.Fields {
			props[propName(&e.Fields[i])] = e.Fields[i].Name
		}

		pkSeen := false
		for i := range e.Fields {
			f := &e.Fields[i]

			// pk
			if f.IsPK() {
				if pkSeen {
					issues = append(issues, SchemaIssue{
						Entity:  fqn,
						Field:   f.Name,
						Code:    "pk_duplicate",
						Message: "entity declares more than one pk field",
					})
				}
				pkSeen = true
				if strings.EqualFold(f.Options["nullable"], "true") {
					issues = append(issues, SchemaIssue{
						Entity:  fqn,
						Field:   f.Name,
						Code:    "pk_nullable_conflict",
						Message: "pk field cannot be nullable",
					})
				}
			}

			// привязка к enum-справочнику
			if f.Catalog != "" {
				if _, ok := enums[f.Catalog]; !ok {
					issues = append(issues, SchemaIssue{
						Entity:  fqn,
						Field:   f.Name,
						Code:    "catalog_unknown",
						Message: fmt.Sprintf("enum catalog %q is not loaded", f.Catalog),
					})
				}
			}

			// явный алиас не должен совпадать с чужим свойством
			if a := f.Alias(); a != "" {
				if owner, taken := props[a]; taken && owner != f.Name {
					issues = append(issues, SchemaIssue{
						Entity:  fqn,
						Field:   f.Name,
						Code:    "alias_collision",
						Message: fmt.Sprintf("alias %q collides with property of field %q", a, owner),
					})
				}
			}

			// валидность on_delete; cascade не поддерживаем намеренно
			if od := strings.TrimSpace(strings.ToLower(f.Options["on_delete"])); od != "" {
				switch od {
				case "restrict", "set_null":
				case "cascade":
					issues = append(issues, SchemaIssue{
						Entity:  fqn,
						Field:   f.Name,
						Code:    "on_delete_unsupported",
						Message: "on_delete=cascade is not supported; use restrict or set_null",
					})
				default:
					issues = append(issues, SchemaIssue{
						Entity:  fqn,
						Field:   f.Name,
						Code:    "on_delete_unknown",
						Message: fmt.Sprintf("unknown on_delete policy %q (allowed: restrict|set_null)", od),
					})
				}
			}

			if f.IsRef() || f.IsArrayRef() {
				// required ref + set_null — конфликт
				od := strings.TrimSpace(strings.ToLower(f.Options["on_delete"]))
				if f.IsRequired() && od == "set_null" {
					issues = append(issues, SchemaIssue{
						Entity:  fqn,
						Field:   f.Name,
						Code:    "required_conflicts_on_delete",
						Message: "required ref cannot have on_delete=set_null; use restrict (or make field optional)",
					})
				}
				// пустая или неизвестная цель ссылки
				if strings.TrimSpace(f.RefTarget) == "" {
					issues = append(issues, SchemaIssue{
						Entity:  fqn,
						Field:   f.Name,
						Code:    "ref_target_empty",
						Message: "ref field has empty target",
					})
				} else if _, ok := schemas[f.RefFQN(e)]; !ok {
					issues = append(issues, SchemaIssue{
						Entity:  fqn,
						Field:   f.Name,
						Code:    "ref_target_unknown",
						Message: fmt.Sprintf("ref target %q is not a known entity", f.RefFQN(e)),
					})
				}
			}
		}

		// композитные unique-ограничения должны ссылаться на объявленные поля
		names := make(map[string]bool, len(e.Fields))
		for i := range e.Fields {
			names[e.Fields[i].Name] = true
		}
		for _, set := range e.Constraints.Unique {
			for _, col := range set {
				if props[col] != "" || names[col] {
					continue
				}
				issues = append(issues, SchemaIssue{
					Entity:  fqn,
					Field:   col,
					Code:    "unique_column_unknown",
					Message: fmt.Sprintf("unique constraint references unknown field %q", col),
				})
			}
		}
	}
	return issues
}
