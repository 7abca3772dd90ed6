package main

import (
	"context"
	"log"

	"strizh/internal/api"
	"strizh/internal/config"
	"strizh/internal/dsl"
	"strizh/internal/pg"
	"strizh/internal/reference"
)

func main() {
	cfg := config.LoadWithPath("strizh.json")

	// 1. DSL-сущности
	entities, err := dsl.LoadAllEntities(cfg.DSLDir)
	if err != nil {
		log.Fatalf("DSL load error: %v", err)
	}
	log.Printf("Загружено сущностей: %d", len(entities))

	// 2. Enum-справочники
	enumCatalog, err := reference.LoadEnumCatalog(cfg.EnumsDir)
	if err != nil {
		log.Fatalf("Enum catalog load error: %v", err)
	}
	log.Printf("Загружено enum-справочников: %d", len(enumCatalog))

	// 3. In-memory хранилище + линт схем
	storage := api.NewStorage(entities, enumCatalog)
	storage.Blob = &api.LocalBlobStore{Root: cfg.FilesRoot}

	if issues := storage.SchemaLint(); len(issues) > 0 {
		for _, it := range issues {
			log.Printf("schema lint: %s.%s: %s (%s)", it.Entity, it.Field, it.Message, it.Code)
		}
		log.Fatalf("schema has %d blocking issue(s)", len(issues))
	}

	// 4. Постгрес: по желанию накатываем DDL
	if cfg.DBURL != "" && cfg.AutoMigrate {
		ctx := context.Background()
		db, err := pg.Open(ctx, cfg.DBURL)
		if err != nil {
			log.Fatalf("DB connect error: %v", err)
		}
		defer db.Close()

		ddl, err := pg.GenerateDDL(entities, enumCatalog)
		if err != nil {
			log.Fatalf("DDL generate error: %v", err)
		}
		if err := pg.ApplyDDL(ctx, db, ddl); err != nil {
			log.Fatalf("DDL apply error: %v", err)
		}
		log.Printf("DDL применён")
	}

	// 5. REST API + документация
	log.Printf("Стартуем сервер Strizh на :%s (префикс %s)", cfg.Port, cfg.APIPrefix)
	if err := api.RunServer(":"+cfg.Port, storage, api.Options{
		Prefix:  cfg.APIPrefix,
		Title:   cfg.APITitle,
		Version: cfg.APIVersion,
		APIKey:  cfg.APIKey,
	}); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
