package persist

import (
	"encoding/json"
	"fmt"

	"pkt.systems/pslog"
	"pkt.systems/tabkeeper/schema"
)

// SaveTransform rewrites state right before it is serialized.
type SaveTransform interface {
	BeforeSave(state schema.TabState) schema.TabState
}

// LoadTransform rewrites state right after it is deserialized.
type LoadTransform interface {
	AfterLoad(state schema.TabState) schema.TabState
}

// SaveTransformFunc adapts a function to SaveTransform.
type SaveTransformFunc func(schema.TabState) schema.TabState

// BeforeSave calls f.
func (f SaveTransformFunc) BeforeSave(state schema.TabState) schema.TabState {
	return f(state)
}

// LoadTransformFunc adapts a function to LoadTransform.
type LoadTransformFunc func(schema.TabState) schema.TabState

// AfterLoad calls f.
func (f LoadTransformFunc) AfterLoad(state schema.TabState) schema.TabState {
	return f(state)
}

type identityTransform struct{}

func (identityTransform) BeforeSave(state schema.TabState) schema.TabState { return state }
func (identityTransform) AfterLoad(state schema.TabState) schema.TabState  { return state }

// Adapter serializes tab state to a Backend under a storage key.
type Adapter struct {
	backend Backend
	save    SaveTransform
	load    LoadTransform
	log     pslog.Logger
}

// NewAdapter wraps backend with no-op transforms.
func NewAdapter(backend Backend, logger pslog.Logger) *Adapter {
	return &Adapter{
		backend: backend,
		save:    identityTransform{},
		load:    identityTransform{},
		log:     logger,
	}
}

// WithTransforms returns a copy of the adapter using the given hooks. Nil hooks keep the no-op default.
func (a *Adapter) WithTransforms(save SaveTransform, load LoadTransform) *Adapter {
	out := *a
	if save != nil {
		out.save = save
	}
	if load != nil {
		out.load = load
	}
	return &out
}

// Backend exposes the underlying storage backend.
func (a *Adapter) Backend() Backend {
	return a.backend
}

// Load reads the state stored under key. A missing entry returns ok=false and no error.
func (a *Adapter) Load(key schema.StorageKey) (schema.TabState, bool, error) {
	if a == nil || a.backend == nil {
		return schema.TabState{}, false, nil
	}
	data, ok, err := a.backend.Read(string(key))
	if err != nil {
		return schema.TabState{}, false, unavailable("load", key, err)
	}
	if !ok {
		return schema.TabState{}, false, nil
	}
	var state schema.TabState
	if err := json.Unmarshal(data, &state); err != nil {
		if a.log != nil {
			a.log.Warn("state decode failed", "storage_key", key, "err", err)
		}
		return schema.TabState{}, false, unavailable("decode", key, err)
	}
	if state.ByID == nil {
		state.ByID = make(map[schema.TabID]schema.Tab)
	}
	return a.load.AfterLoad(state), true, nil
}

// Save overwrites the state stored under key. It performs no asynchronous work.
func (a *Adapter) Save(key schema.StorageKey, state schema.TabState) error {
	if a == nil || a.backend == nil {
		return nil
	}
	state = a.save.BeforeSave(state)
	data, err := json.Marshal(state)
	if err != nil {
		return unavailable("encode", key, err)
	}
	if err := a.backend.Write(string(key), data); err != nil {
		return unavailable("save", key, err)
	}
	return nil
}

// Delete removes the state stored under key.
func (a *Adapter) Delete(key schema.StorageKey) error {
	if a == nil || a.backend == nil {
		return nil
	}
	if err := a.backend.Delete(string(key)); err != nil {
		return unavailable("delete", key, err)
	}
	return nil
}

// Keys lists every stored storage key.
func (a *Adapter) Keys() ([]schema.StorageKey, error) {
	if a == nil || a.backend == nil {
		return nil, nil
	}
	raw, err := a.backend.Keys()
	if err != nil {
		return nil, unavailable("list", "", err)
	}
	keys := make([]schema.StorageKey, 0, len(raw))
	for _, key := range raw {
		keys = append(keys, schema.StorageKey(key))
	}
	return keys, nil
}

func unavailable(op string, key schema.StorageKey, err error) error {
	if key == "" {
		return fmt.Errorf("state %s: %w: %w", op, schema.ErrPersistenceUnavailable, err)
	}
	return fmt.Errorf("state %s %q: %w: %w", op, key, schema.ErrPersistenceUnavailable, err)
}
