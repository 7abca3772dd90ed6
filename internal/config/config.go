package config

import (
	"encoding/json"
	"flag"
	"os"
	"strconv"
	"strings"
)

type Config struct {
	Port        string `json:"port"`
	DSLDir      string `json:"dslDir"`
	EnumsDir    string `json:"enumsDir"`
	DBURL       string `json:"dbUrl"`
	AutoMigrate bool   `json:"autoMigrate"`

	// Префикс и паспорт API (попадают в openapi-документ)
	APIPrefix  string `json:"apiPrefix"`
	APITitle   string `json:"apiTitle"`
	APIVersion string `json:"apiVersion"`

	// Файлы (локально)
	FilesRoot string `json:"filesRoot"`

	// Непустой ключ закрывает API-группу (X-API-Key / ?key=)
	APIKey string `json:"apiKey"`
}

func def() Config {
	return Config{
		Port:        "8080",
		DSLDir:      "dsl",
		EnumsDir:    "reference/enums",
		DBURL:       "",
		AutoMigrate: false,

		APIPrefix:  "/api",
		APITitle:   "Strizh API",
		APIVersion: "1.0.0",

		FilesRoot: "uploads",
	}
}

func loadJSON(path string) (Config, error) {
	c := def()
	b, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	if err := json.Unmarshal(b, &c); err != nil {
		return c, err
	}
	return c, nil
}

func getenv(k, fallback string) string {
	if v, ok := os.LookupEnv(k); ok && strings.TrimSpace(v) != "" {
		return v
	}
	return fallback
}

func getenvBool(k string, fallback bool) bool {
	if v, ok := os.LookupEnv(k); ok {
		v = strings.TrimSpace(strings.ToLower(v))
		if v == "1" || v == "true" || v == "yes" {
			return true
		}
		if v == "0" || v == "false" || v == "no" {
			return false
		}
	}
	return fallback
}

// LoadWithPath читает JSON по указанному пути, потом применяет ENV и флаги.
func LoadWithPath(jsonPath string) Config {
	cfg := def()

	// JSON (если файл существует)
	if st, err := os.Stat(jsonPath); err == nil && !st.IsDir() {
		if c2, err := loadJSON(jsonPath); err == nil {
			cfg = c2
		}
	}

	// ENV overrides
	cfg.Port = getenv("STRIZH_PORT", cfg.Port)
	cfg.DSLDir = getenv("STRIZH_DSL_DIR", cfg.DSLDir)
	cfg.EnumsDir = getenv("STRIZH_ENUMS_DIR", cfg.EnumsDir)
	cfg.DBURL = getenv("STRIZH_DB_URL", cfg.DBURL)
	cfg.AutoMigrate = getenvBool("STRIZH_AUTO_MIGRATE", cfg.AutoMigrate)

	cfg.APIPrefix = getenv("STRIZH_API_PREFIX", cfg.APIPrefix)
	cfg.APITitle = getenv("STRIZH_API_TITLE", cfg.APITitle)
	cfg.APIVersion = getenv("STRIZH_API_VERSION", cfg.APIVersion)

	cfg.FilesRoot = getenv("STRIZH_FILES_ROOT", cfg.FilesRoot)
	cfg.APIKey = getenv("STRIZH_API_KEY", cfg.APIKey)

	// Flags overrides
	configPath := flag.String("config", jsonPath, "Path to config JSON")
	port := flag.String("port", cfg.Port, "HTTP port")
	dsl := flag.String("dsl", cfg.DSLDir, "Path to DSL directory")
	enums := flag.String("enums", cfg.EnumsDir, "Path to enums directory")
	db := flag.String("db", cfg.DBURL, "Postgres URL (empty = in-memory)")
	auto := flag.String("auto-migrate", strconv.FormatBool(cfg.AutoMigrate), "Auto-migrate add-only (true/false)")

	prefix := flag.String("api-prefix", cfg.APIPrefix, "URL prefix to mount API under")
	title := flag.String("api-title", cfg.APITitle, "API title for docs")
	version := flag.String("api-version", cfg.APIVersion, "API version for docs")
	files := flag.String("files-root", cfg.FilesRoot, "Local files root")
	apiKey := flag.String("api-key", cfg.APIKey, "API key guard (empty = open)")

	flag.Parse()

	// Если через флаг передали другой конфиг — перечитаем
	if *configPath != jsonPath {
		return LoadWithPath(*configPath)
	}

	cfg.Port = strings.TrimSpace(*port)
	cfg.DSLDir = strings.TrimSpace(*dsl)
	cfg.EnumsDir = strings.TrimSpace(*enums)
	cfg.DBURL = strings.TrimSpace(*db)
	cfg.AutoMigrate = strings.EqualFold(strings.TrimSpace(*auto), "true") ||
		strings.EqualFold(strings.TrimSpace(*auto), "1") ||
		strings.EqualFold(strings.TrimSpace(*auto), "yes")

	cfg.APIPrefix = strings.TrimSpace(*prefix)
	cfg.APITitle = strings.TrimSpace(*title)
	cfg.APIVersion = strings.TrimSpace(*version)
	cfg.FilesRoot = strings.TrimSpace(*files)
	cfg.APIKey = strings.TrimSpace(*apiKey)

	return cfg
}
