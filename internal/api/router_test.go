package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"strizh/internal/dsl"
	"strizh/internal/reference"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const testDSL = `
module crm

entity Client:
  code: string pk
  name: string required
  status: enum[active, archived] default=active
  priority: enum catalog=priorities
  notes: string blank
  score: int nullable
  avatar: file

entity Deal:
  title: string required
  owner: ref[Client] on_delete=restrict
  reviewer: ref[Client] on_delete=set_null
  amount: float
`

func testEnums() map[string]reference.EnumDirectory {
	return map[string]reference.EnumDirectory{
		"priorities": {
			Name:  "priorities",
			Title: "Приоритеты",
			Items: []reference.EnumItem{
				{Code: "low", Name: "Low"},
				{Code: "high", Name: "High"},
			},
		},
	}
}

func newTestRouter(t *testing.T) (*gin.Engine, *Storage) {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "crm.dsl"), []byte(testDSL), 0o644))
	entities, err := dsl.LoadAllEntities(dir)
	require.NoError(t, err)

	storage := NewStorage(entities, testEnums())
	storage.Blob = &LocalBlobStore{Root: filepath.Join(dir, "uploads")}
	return NewRouter(storage, Options{Prefix: "/api", Title: "Test API", Version: "0.1.0"}), storage
}

func doJSON(r *gin.Engine, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), "body: %s", w.Body.String())
	return out
}

func TestAddOperation(t *testing.T) {
	r, _ := newTestRouter(t)

	w := doJSON(r, http.MethodGet, "/api/math/add?a=2&b=3", nil, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	out := decode(t, w)
	assert.EqualValues(t, 5, out["result"])

	// ноль — валидное значение параметра
	w = doJSON(r, http.MethodGet, "/api/math/add?a=0&b=5", nil, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.EqualValues(t, 5, decode(t, w)["result"])

	// отсутствующий параметр — 400
	w = doJSON(r, http.MethodGet, "/api/math/add?a=1", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// операция видна в документе
	w = doJSON(r, http.MethodGet, "/api/openapi.json", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	doc := decode(t, w)
	paths := doc["paths"].(map[string]any)
	item, ok := paths["/api/math/add"].(map[string]any)
	require.True(t, ok, "missing /api/math/add in %v", paths)
	_, hasGet := item["get"]
	assert.True(t, hasGet)
}

func TestDocsPages(t *testing.T) {
	r, _ := newTestRouter(t)

	for _, path := range []string{"/api/docs", "/api/redoc"} {
		w := doJSON(r, http.MethodGet, path, nil, nil)
		require.Equal(t, http.StatusOK, w.Code, path)
		assert.Contains(t, w.Header().Get("Content-Type"), "text/html")
		assert.Contains(t, w.Body.String(), "/api/openapi.json")
	}
}

func TestOpenAPIDocument(t *testing.T) {
	r, _ := newTestRouter(t)

	w := doJSON(r, http.MethodGet, "/api/openapi.json", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	doc := decode(t, w)

	assert.Equal(t, "3.0.3", doc["openapi"])
	info := doc["info"].(map[string]any)
	assert.Equal(t, "Test API", info["title"])

	schemas := doc["components"].(map[string]any)["schemas"].(map[string]any)
	require.Contains(t, schemas, "crm.Client")
	require.Contains(t, schemas, "priorities", "used catalog becomes a shared component")

	client := schemas["crm.Client"].(map[string]any)
	props := client["properties"].(map[string]any)

	// inline enum остаётся на месте
	status := props["status"].(map[string]any)
	assert.NotContains(t, status, "$ref")

	// catalog-поле ссылается на общий компонент
	raw, _ := json.Marshal(props["priority"])
	assert.Contains(t, string(raw), "#/components/schemas/priorities")

	// pk не nullable
	code := props["code"].(map[string]any)
	assert.Nil(t, code["nullable"])

	// CRUD-пути на месте
	paths := doc["paths"].(map[string]any)
	assert.Contains(t, paths, "/api/crm/client")
	assert.Contains(t, paths, "/api/crm/client/{id}")
}

func TestCreateAndGet(t *testing.T) {
	r, _ := newTestRouter(t)

	w := doJSON(r, http.MethodPost, "/api/crm/client", map[string]any{
		"code": "C-1", "name": "Acme", "priority": "high",
	}, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decode(t, w)
	id := created["id"].(string)
	assert.EqualValues(t, 1, created["version"])
	assert.Equal(t, "active", created["status"], "default applied")

	w = doJSON(r, http.MethodGet, "/api/crm/client/"+id, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, `"1"`, w.Header().Get("ETag"))
}

func TestCreateValidation(t *testing.T) {
	r, _ := newTestRouter(t)

	cases := []struct {
		name string
		body map[string]any
		code string
	}{
		{"missing required", map[string]any{"code": "C-2"}, ErrRequired},
		{"bad enum", map[string]any{"code": "C-3", "name": "x", "status": "bogus"}, ErrEnumInvalid},
		{"bad catalog code", map[string]any{"code": "C-4", "name": "x", "priority": "urgent"}, ErrEnumInvalid},
		{"null into pk", map[string]any{"code": nil, "name": "x"}, ErrNullViolation},
		{"empty required string", map[string]any{"code": "C-5", "name": ""}, ErrRequired},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := doJSON(r, http.MethodPost, "/api/crm/client", tc.body, nil)
			require.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
			assert.Contains(t, w.Body.String(), tc.code)
		})
	}

	// blank-поле принимает пустую строку
	w := doJSON(r, http.MethodPost, "/api/crm/client", map[string]any{
		"code": "C-6", "name": "ok", "notes": "",
	}, nil)
	assert.Equal(t, http.StatusCreated, w.Code, w.Body.String())
}

func TestUniquePK(t *testing.T) {
	r, _ := newTestRouter(t)

	body := map[string]any{"code": "DUP", "name": "First"}
	w := doJSON(r, http.MethodPost, "/api/crm/client", body, nil)
	require.Equal(t, http.StatusCreated, w.Code)

	w = doJSON(r, http.MethodPost, "/api/crm/client", body, nil)
	require.Equal(t, http.StatusConflict, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), ErrUniqueViolation)
}

func TestRefAliases(t *testing.T) {
	r, _ := newTestRouter(t)

	w := doJSON(r, http.MethodPost, "/api/crm/client", map[string]any{"code": "OWN", "name": "Owner"}, nil)
	require.Equal(t, http.StatusCreated, w.Code)
	ownerID := decode(t, w)["id"].(string)

	// клиент может прислать owner, owner_id или ownerId — канонический ключ один
	for i, key := range []string{"owner", "owner_id", "ownerId"} {
		w = doJSON(r, http.MethodPost, "/api/crm/deal", map[string]any{
			"title": fmt.Sprintf("Deal %d", i), "amount": 10.5, key: ownerID,
		}, nil)
		require.Equal(t, http.StatusCreated, w.Code, "key=%s body=%s", key, w.Body.String())
		created := decode(t, w)
		assert.Equal(t, ownerID, created["owner_id"], "key=%s", key)
		assert.NotContains(t, created, "owner")
	}

	// несуществующая цель — конфликт
	w = doJSON(r, http.MethodPost, "/api/crm/deal", map[string]any{
		"title": "Bad", "amount": 1.0, "owner_id": "missing",
	}, nil)
	require.Equal(t, http.StatusConflict, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), ErrRefNotFound)
}

func TestUpdateOptimisticLock(t *testing.T) {
	r, _ := newTestRouter(t)

	w := doJSON(r, http.MethodPost, "/api/crm/client", map[string]any{"code": "LK", "name": "v1"}, nil)
	require.Equal(t, http.StatusCreated, w.Code)
	id := decode(t, w)["id"].(string)

	// без версии — конфликт
	w = doJSON(r, http.MethodPut, "/api/crm/client/"+id, map[string]any{"code": "LK", "name": "v2"}, nil)
	require.Equal(t, http.StatusConflict, w.Code)

	// If-Match с актуальной версией
	w = doJSON(r, http.MethodPut, "/api/crm/client/"+id, map[string]any{"code": "LK", "name": "v2"},
		map[string]string{"If-Match": `"1"`})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.EqualValues(t, 2, decode(t, w)["version"])

	// устаревшая версия в payload
	w = doJSON(r, http.MethodPatch, "/api/crm/client/"+id, map[string]any{"name": "v3", "version": 1}, nil)
	require.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), ErrVersionConflict)

	w = doJSON(r, http.MethodPatch, "/api/crm/client/"+id, map[string]any{"name": "v3", "version": 2}, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "v3", decode(t, w)["name"])
}

func TestDeletePolicies(t *testing.T) {
	r, _ := newTestRouter(t)

	mk := func(body map[string]any, path string) string {
		w := doJSON(r, http.MethodPost, path, body, nil)
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
		return decode(t, w)["id"].(string)
	}

	ownerID := mk(map[string]any{"code": "A", "name": "Owner"}, "/api/crm/client")
	reviewerID := mk(map[string]any{"code": "B", "name": "Reviewer"}, "/api/crm/client")
	dealID := mk(map[string]any{
		"title": "D1", "amount": 1.0, "owner_id": ownerID, "reviewer_id": reviewerID,
	}, "/api/crm/deal")

	// restrict: владелец занят сделкой
	w := doJSON(r, http.MethodDelete, "/api/crm/client/"+ownerID, nil, nil)
	require.Equal(t, http.StatusConflict, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), "fk_in_use")

	// set_null: рецензент освобождается, поле зануляется
	w = doJSON(r, http.MethodDelete, "/api/crm/client/"+reviewerID, nil, nil)
	require.Equal(t, http.StatusNoContent, w.Code, w.Body.String())

	w = doJSON(r, http.MethodGet, "/api/crm/deal/"+dealID, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	deal := decode(t, w)
	assert.Nil(t, deal["reviewer_id"])
	assert.Equal(t, ownerID, deal["owner_id"])
}

func TestSoftDeleteAndRestore(t *testing.T) {
	r, _ := newTestRouter(t)

	w := doJSON(r, http.MethodPost, "/api/crm/client", map[string]any{"code": "SD", "name": "Gone"}, nil)
	require.Equal(t, http.StatusCreated, w.Code)
	id := decode(t, w)["id"].(string)

	w = doJSON(r, http.MethodDelete, "/api/crm/client/"+id, nil, nil)
	require.Equal(t, http.StatusNoContent, w.Code)

	w = doJSON(r, http.MethodGet, "/api/crm/client/"+id, nil, nil)
	require.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(r, http.MethodPost, "/api/crm/client/"+id+"/restore", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(r, http.MethodGet, "/api/crm/client/"+id, nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestListFilterSortPaginate(t *testing.T) {
	r, _ := newTestRouter(t)

	for i, st := range []string{"active", "archived", "active", "active"} {
		w := doJSON(r, http.MethodPost, "/api/crm/client", map[string]any{
			"code": fmt.Sprintf("L-%d", i), "name": fmt.Sprintf("Client %d", i), "status": st,
		}, nil)
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	}

	var list []map[string]any
	w := doJSON(r, http.MethodGet, "/api/crm/client?status=active&_sort=-code&_limit=2", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list, 2)
	assert.Equal(t, "3", w.Header().Get("X-Total-Count"))
	assert.Equal(t, "L-3", list[0]["code"])
	assert.Equal(t, "L-2", list[1]["code"])

	// count с тем же фильтром
	w = doJSON(r, http.MethodGet, "/api/crm/client/count?status=archived", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, decode(t, w)["total"])
}

func TestMetaEndpoints(t *testing.T) {
	r, _ := newTestRouter(t)

	w := doJSON(r, http.MethodGet, "/api/meta", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"crm"`)

	w = doJSON(r, http.MethodGet, "/api/meta/crm/deal", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	meta := decode(t, w)
	fields := meta["fields"].([]any)
	var owner map[string]any
	for _, f := range fields {
		fm := f.(map[string]any)
		if fm["name"] == "owner" {
			owner = fm
		}
	}
	require.NotNil(t, owner)
	assert.Equal(t, "owner_id", owner["property"])
	assert.Equal(t, "ownerId", owner["alias"])
	assert.Equal(t, "crm.Client", owner["refFQN"])

	w = doJSON(r, http.MethodGet, "/api/catalogs/priorities", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "high")
}

func TestBulkCreateAndDelete(t *testing.T) {
	r, _ := newTestRouter(t)

	w := doJSON(r, http.MethodPost, "/api/crm/client/_bulk", []map[string]any{
		{"code": "B-1", "name": "One"},
		{"code": "B-2"}, // невалидный: нет name
	}, nil)
	require.Equal(t, http.StatusMultiStatus, w.Code, w.Body.String())

	var results []map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &results))
	require.Len(t, results, 2)
	assert.Contains(t, results[0], "id")
	assert.Contains(t, results[1], "errors")

	id := results[0]["id"].(string)
	w = doJSON(r, http.MethodPost, "/api/crm/client/_bulk_delete", map[string]any{"ids": []string{id, "missing"}}, nil)
	require.Equal(t, http.StatusMultiStatus, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &results))
	assert.NotContains(t, results[0], "errors")
	assert.Contains(t, results[1], "errors")
}

func TestSchemaLintEndpoint(t *testing.T) {
	r, _ := newTestRouter(t)

	w := doJSON(r, http.MethodGet, "/api/admin/lint", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	out := decode(t, w)
	assert.Empty(t, out["issues"])
}

func TestListSortNumeric(t *testing.T) {
	r, _ := newTestRouter(t)

	for i, score := range []int{9, 10, 2} {
		w := doJSON(r, http.MethodPost, "/api/crm/client", map[string]any{
			"code": fmt.Sprintf("N-%d", i), "name": fmt.Sprintf("Client %d", i), "score": score,
		}, nil)
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	}

	scores := func(w *httptest.ResponseRecorder) []float64 {
		var rows []map[string]any
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rows))
		out := make([]float64, 0, len(rows))
		for _, row := range rows {
			out = append(out, row["score"].(float64))
		}
		return out
	}

	// числовое поле сортируется по значению, а не по строке ("10" шло бы раньше "9")
	w := doJSON(r, http.MethodGet, "/api/crm/client?sort=score", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []float64{2, 9, 10}, scores(w))

	w = doJSON(r, http.MethodGet, "/api/crm/client?sort=-score", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []float64{10, 9, 2}, scores(w))
}

func TestAPIKeyGuard(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "crm.dsl"), []byte(testDSL), 0o644))
	entities, err := dsl.LoadAllEntities(dir)
	require.NoError(t, err)
	storage := NewStorage(entities, testEnums())
	r := NewRouter(storage, Options{Prefix: "/api", APIKey: "sesame"})

	// без ключа — 401
	w := doJSON(r, http.MethodGet, "/api/crm/client", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// неверный ключ — 401
	w = doJSON(r, http.MethodGet, "/api/crm/client", nil, map[string]string{"X-API-Key": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// ключ в заголовке
	w = doJSON(r, http.MethodGet, "/api/crm/client", nil, map[string]string{"X-API-Key": "sesame"})
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// ключ в query-параметре
	w = doJSON(r, http.MethodGet, "/api/crm/client?key=sesame", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// документ остаётся открытым и объявляет схемы безопасности
	w = doJSON(r, http.MethodGet, "/api/openapi.json", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	doc := decode(t, w)
	comps := doc["components"].(map[string]any)
	schemes, ok := comps["securitySchemes"].(map[string]any)
	require.True(t, ok, "missing securitySchemes in %v", comps)
	assert.Contains(t, schemes, "ApiKeyHeader")
	assert.Contains(t, schemes, "ApiKeyQuery")
	assert.NotEmpty(t, doc["security"])

	w = doJSON(r, http.MethodGet, "/api/docs", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestReloadDuringReads(t *testing.T) {
	r, _ := newTestRouter(t)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "crm.dsl"), []byte(testDSL), 0o644))
	enumsDir := filepath.Join(dir, "enums")
	require.NoError(t, os.MkdirAll(enumsDir, 0o755))
	const prioritiesYAML = `name: priorities
title: Priorities
items:
  - code: low
    name: Low
  - code: high
    name: High
`
	require.NoError(t, os.WriteFile(filepath.Join(enumsDir, "priorities.yaml"), []byte(prioritiesYAML), 0o644))

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 30; i++ {
				if w := doJSON(r, http.MethodGet, "/api/crm/client", nil, nil); w.Code != http.StatusOK {
					t.Errorf("list during reload: %d %s", w.Code, w.Body.String())
					return
				}
				if w := doJSON(r, http.MethodGet, "/api/meta", nil, nil); w.Code != http.StatusOK {
					t.Errorf("meta during reload: %d %s", w.Code, w.Body.String())
					return
				}
			}
		}()
	}

	for i := 0; i < 30; i++ {
		w := doJSON(r, http.MethodPost, "/api/admin/reload",
			map[string]string{"dsl_root": dir, "enums_root": enumsDir}, nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	}
	wg.Wait()
}
