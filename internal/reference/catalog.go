package reference

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadEnumCatalog читает все enum-справочники из директории (*.yaml, *.yml).
func LoadEnumCatalog(dir string) (map[string]EnumDirectory, error) {
	result := make(map[string]EnumDirectory)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		var enumDir EnumDirectory
		if err := yaml.Unmarshal(data, &enumDir); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		// имя справочника — из поля name или из имени файла
		enumName := enumDir.Name
		if enumName == "" {
			enumName = strings.TrimSuffix(name, filepath.Ext(name))
			enumDir.Name = enumName
		}
		if _, exists := result[enumName]; exists {
			return nil, fmt.Errorf("duplicate enum catalog %q (file: %s)", enumName, path)
		}
		if len(enumDir.Items) == 0 {
			return nil, fmt.Errorf("enum catalog %q is empty (file: %s)", enumName, path)
		}
		result[enumName] = enumDir
	}
	return result, nil
}
