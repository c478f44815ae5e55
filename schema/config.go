package schema

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// StorageBackend selects where tab state is persisted.
type StorageBackend string

const (
	// StorageBackendFile persists one JSON document per storage key.
	StorageBackendFile StorageBackend = "file"
	// StorageBackendSQLite persists all storage keys in one SQLite database.
	StorageBackendSQLite StorageBackend = "sqlite"
	// StorageBackendMemory keeps state in process memory only.
	StorageBackendMemory StorageBackend = "memory"
)

// ServiceConfig defines defaults and limits for tab sessions.
type ServiceConfig struct {
	StateDir          string
	Backend           StorageBackend
	SQLitePath        string
	TabLimit          int
	DefaultStorageKey StorageKey
	BasicTabs         []TabTemplate
	// PersistOnChange snapshots a session after every mutation instead of
	// only on dispose and unload.
	PersistOnChange bool
	LeaveRule       string
}

// NormalizeServiceConfig applies defaults and validates the config.
func NormalizeServiceConfig(cfg ServiceConfig) (ServiceConfig, error) {
	if cfg.Backend == "" {
		cfg.Backend = StorageBackendFile
	}
	switch cfg.Backend {
	case StorageBackendFile, StorageBackendSQLite, StorageBackendMemory:
	default:
		return ServiceConfig{}, fmt.Errorf("unsupported storage backend %q", cfg.Backend)
	}
	if cfg.StateDir == "" && cfg.Backend != StorageBackendMemory {
		home, err := os.UserHomeDir()
		if err != nil {
			return ServiceConfig{}, err
		}
		cfg.StateDir = filepath.Join(home, ".tabkeeper", "state")
	}
	if cfg.SQLitePath == "" && cfg.Backend == StorageBackendSQLite {
		cfg.SQLitePath = filepath.Join(cfg.StateDir, "tabs.db")
	}
	if cfg.TabLimit <= 0 {
		cfg.TabLimit = MaxTabLimit
	}
	if cfg.TabLimit > MaxTabLimit {
		return ServiceConfig{}, fmt.Errorf("tab limit %d exceeds maximum %d", cfg.TabLimit, MaxTabLimit)
	}
	if cfg.DefaultStorageKey == "" {
		cfg.DefaultStorageKey = DefaultStorageKey
	}
	if err := ValidateStorageKey(cfg.DefaultStorageKey); err != nil {
		return ServiceConfig{}, err
	}
	if len(cfg.BasicTabs) > cfg.TabLimit {
		return ServiceConfig{}, errors.New("basic tabs exceed tab limit")
	}
	for i, tpl := range cfg.BasicTabs {
		if tpl.Pathname == "" {
			return ServiceConfig{}, fmt.Errorf("basic tab %d: pathname is required", i)
		}
	}
	return cfg, nil
}
