package persist

import (
	"fmt"
)

// NewStore factory function to create storage backends
func NewStore(config StoreConfig, storageKey string) (Store, error) {
	switch config.Type {
	case StoreTypeFileSystem:
		basePath, ok := config.Config["base_path"].(string)
		if !ok {
			return nil, fmt.Errorf("filesystem storage requires 'base_path' in config")
		}
		return NewFileSystemStore(basePath, storageKey)

	case StoreTypeSQLite:
		dbPath, ok := config.Config["db_path"].(string)
		if !ok {
			return nil, fmt.Errorf("sqlite storage requires 'db_path' in config")
		}
		return NewSQLiteStore(dbPath, storageKey)

	case StoreTypeS3:
		return NewS3StoreFromConfig(config, storageKey)

	default:
		return nil, fmt.Errorf("unsupported store type: %s", config.Type)
	}
}
