package persistence

import "fmt"

// NewStore creates a Store based on the configuration.
func NewStore(config StoreConfig) (Store, error) {
	switch config.Type {
	case StoreTypeMemory, "":
		return NewMemoryStore(config), nil
	case StoreTypeSQLite:
		return NewSQLiteStore(config)
	case StoreTypeRedis:
		return NewRedisStore(config)
	default:
		return nil, fmt.Errorf("unsupported store type: %s", config.Type)
	}
}

// MustNewStore creates a Store or panics. Intended for application
// initialization only.
func MustNewStore(config StoreConfig) Store {
	store, err := NewStore(config)
	if err != nil {
		panic(fmt.Sprintf("failed to create store: %v", err))
	}
	return store
}
