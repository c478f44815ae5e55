package appconfig

import (
	"os"
	"path/filepath"

	"pkt.systems/tabkeeper/schema"
)

// Config is the top-level application configuration.
type Config struct {
	ConfigVersion int           `mapstructure:"config_version" yaml:"config_version"`
	StateDir      string        `mapstructure:"state_dir" yaml:"state_dir"`
	Storage       StorageConfig `mapstructure:"storage" yaml:"storage"`
	Service       ServiceConfig `mapstructure:"service" yaml:"service"`
	HTTP          HTTPConfig    `mapstructure:"http" yaml:"http"`
}

// CurrentConfigVersion marks the supported config version.
const CurrentConfigVersion = 1

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	Backend    string `mapstructure:"backend" yaml:"backend"`
	SQLitePath string `mapstructure:"sqlite_path" yaml:"sqlite_path"`
}

// ServiceConfig controls tab session behavior.
type ServiceConfig struct {
	TabLimit          int                  `mapstructure:"tab_limit" yaml:"tab_limit"`
	DefaultStorageKey string               `mapstructure:"default_storage_key" yaml:"default_storage_key"`
	PersistOnChange   bool                 `mapstructure:"persist_on_change" yaml:"persist_on_change"`
	LeaveRule         string               `mapstructure:"leave_rule" yaml:"leave_rule"`
	BasicTabs         []schema.TabTemplate `mapstructure:"basic_tabs" yaml:"basic_tabs"`
}

// HTTPConfig configures the HTTP server.
type HTTPConfig struct {
	Addr       string `mapstructure:"addr" yaml:"addr"`
	BasePath   string `mapstructure:"base_path" yaml:"base_path"`
	HubHistory int    `mapstructure:"hub_history" yaml:"hub_history"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() (Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return Config{}, err
	}
	stateDir := filepath.Join(home, ".tabkeeper", "state")
	return Config{
		ConfigVersion: CurrentConfigVersion,
		StateDir:      stateDir,
		Storage: StorageConfig{
			Backend:    string(schema.StorageBackendFile),
			SQLitePath: filepath.Join(stateDir, "tabs.db"),
		},
		Service: ServiceConfig{
			TabLimit:          schema.MaxTabLimit,
			DefaultStorageKey: string(schema.DefaultStorageKey),
			PersistOnChange:   true,
			LeaveRule:         "",
			BasicTabs: []schema.TabTemplate{
				{Title: "Home", Pathname: "/home", Type: "home"},
			},
		},
		HTTP: HTTPConfig{
			Addr:       ":27490",
			BasePath:   "",
			HubHistory: 64,
		},
	}, nil
}

// DefaultConfigPath returns the standard config path.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".tabkeeper", "config.yaml"), nil
}

// ServiceConfig maps the file config onto the core service config.
func (c Config) ServiceConfig() schema.ServiceConfig {
	return schema.ServiceConfig{
		StateDir:          c.StateDir,
		Backend:           schema.StorageBackend(c.Storage.Backend),
		SQLitePath:        c.Storage.SQLitePath,
		TabLimit:          c.Service.TabLimit,
		DefaultStorageKey: schema.StorageKey(c.Service.DefaultStorageKey),
		BasicTabs:         append([]schema.TabTemplate(nil), c.Service.BasicTabs...),
		PersistOnChange:   c.Service.PersistOnChange,
		LeaveRule:         c.Service.LeaveRule,
	}
}
