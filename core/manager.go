package core

import (
	"context"
	"io"
	"sort"
	"sync"

	"pkt.systems/pslog"
	"pkt.systems/tabkeeper/internal/persist"
	"pkt.systems/tabkeeper/schema"
)

// Manager keeps one Session per storage key.
type Manager struct {
	cfg     schema.ServiceConfig
	adapter *persist.Adapter
	closer  io.Closer
	sink    EventSink
	hooks   Hooks
	logger  pslog.Logger

	mu       sync.Mutex
	sessions map[schema.StorageKey]*Session
}

// NewManager constructs the session manager. Without deps.Adapter the
// backend selected by cfg is opened and owned by the manager.
func NewManager(cfg schema.ServiceConfig, deps ManagerDeps) (*Manager, error) {
	normalized, err := schema.NormalizeServiceConfig(cfg)
	if err != nil {
		return nil, err
	}
	cfg = normalized
	logger := deps.Logger
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	adapter := deps.Adapter
	var closer io.Closer
	if adapter == nil {
		backend, c, err := persist.Open(cfg, logger)
		if err != nil {
			return nil, err
		}
		adapter = persist.NewAdapter(backend, logger)
		closer = c
	}
	sink := deps.EventSink
	if sink == nil {
		sink = nopSink{}
	}
	return &Manager{
		cfg:      cfg,
		adapter:  adapter,
		closer:   closer,
		sink:     sink,
		hooks:    deps.Hooks,
		logger:   logger,
		sessions: make(map[schema.StorageKey]*Session),
	}, nil
}

// Config returns the normalized configuration.
func (m *Manager) Config() schema.ServiceConfig {
	return m.cfg
}

// Adapter returns the persistence adapter shared by sessions.
func (m *Manager) Adapter() *persist.Adapter {
	return m.adapter
}

// Open returns the initialized session for key, creating it on first use.
// An empty key selects the configured default key.
func (m *Manager) Open(ctx context.Context, key schema.StorageKey) (*Session, error) {
	if key == "" {
		key = m.cfg.DefaultStorageKey
	}
	if err := schema.ValidateStorageKey(key); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if session, ok := m.sessions[key]; ok {
		return session, nil
	}
	session, err := NewSession(SessionConfig{
		StorageKey:      key,
		Limit:           m.cfg.TabLimit,
		BasicTabs:       m.cfg.BasicTabs,
		PersistOnChange: m.cfg.PersistOnChange,
	}, m.adapter, m.sink, m.hooks, m.logger)
	if err != nil {
		return nil, err
	}
	if _, err := session.Init(ctx); err != nil {
		return nil, err
	}
	m.sessions[key] = session
	m.logger.Debug("manager session opened", "storage_key", key, "sessions", len(m.sessions))
	return session, nil
}

// Get returns an open session.
func (m *Manager) Get(key schema.StorageKey) (*Session, bool) {
	if key == "" {
		key = m.cfg.DefaultStorageKey
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[key]
	return session, ok
}

// Keys lists open sessions.
func (m *Manager) Keys() []schema.StorageKey {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]schema.StorageKey, 0, len(m.sessions))
	for key := range m.sessions {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// Dispose persists and removes the session for key.
func (m *Manager) Dispose(ctx context.Context, key schema.StorageKey) bool {
	if key == "" {
		key = m.cfg.DefaultStorageKey
	}
	m.mu.Lock()
	session, ok := m.sessions[key]
	delete(m.sessions, key)
	m.mu.Unlock()
	if !ok {
		return false
	}
	session.Dispose(ctx)
	return true
}

// Unload synchronously snapshots every open session.
func (m *Manager) Unload(ctx context.Context) {
	for _, session := range m.snapshotSessions() {
		session.Unload(ctx)
	}
	m.logger.Debug("manager sessions unloaded")
}

// Close disposes every session and releases the storage backend.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, session := range m.sessions {
		sessions = append(sessions, session)
	}
	m.sessions = make(map[schema.StorageKey]*Session)
	m.mu.Unlock()
	for _, session := range sessions {
		session.Dispose(ctx)
	}
	if m.closer != nil {
		return m.closer.Close()
	}
	return nil
}

func (m *Manager) snapshotSessions() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, session := range m.sessions {
		out = append(out, session)
	}
	return out
}
