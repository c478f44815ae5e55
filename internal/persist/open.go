package persist

import (
	"fmt"
	"io"

	"pkt.systems/pslog"
	"pkt.systems/tabkeeper/schema"
)

// Open builds the backend selected by cfg. The returned closer releases it.
func Open(cfg schema.ServiceConfig, logger pslog.Logger) (Backend, io.Closer, error) {
	switch cfg.Backend {
	case schema.StorageBackendMemory:
		return NewMemoryBackend(), nopCloser{}, nil
	case schema.StorageBackendSQLite:
		backend, err := OpenSQLite(cfg.SQLitePath, logger)
		if err != nil {
			return nil, nil, err
		}
		return backend, backend, nil
	case schema.StorageBackendFile, "":
		backend, err := NewFileBackendWithLogger(cfg.StateDir, logger)
		if err != nil {
			return nil, nil, err
		}
		return backend, nopCloser{}, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
