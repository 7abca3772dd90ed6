package api

import (
	"time"
)

// flatten собирает «плоский» JSON-объект записи: системные поля + данные.
func flatten(rec *Record) map[string]interface{} {
	out := map[string]interface{}{
		"id":         rec.ID,
		"version":    rec.Version,
		"created_at": rec.CreatedAt.Format(time.RFC3339),
		"updated_at": rec.UpdatedAt.Format(time.RFC3339),
	}
	for k, v := range rec.Data {
		// пользовательские поля не перетирают служебные при совпадении имён
		if _, clash := out[k]; clash {
			out["data."+k] = v
			continue
		}
		out[k] = v
	}
	return out
}
