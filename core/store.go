package core

import (
	"fmt"

	"pkt.systems/pslog"
	"pkt.systems/tabkeeper/internal/persist"
	"pkt.systems/tabkeeper/schema"
)

// StoreConfig configures TabStore.Init.
type StoreConfig struct {
	StorageKey schema.StorageKey
	// Limit caps the collection size; zero means MaxTabLimit.
	Limit int
}

// PersistOptions configures TabStore.Persist.
type PersistOptions struct {
	Transform SaveTransform
}

// TabStore owns the ordered tab collection of one storage key.
// It is not safe for concurrent use; Session serializes access.
type TabStore struct {
	key         schema.StorageKey
	limit       int
	adapter     *persist.Adapter
	log         pslog.Logger
	initialized bool
	restored    bool
	order       []schema.TabID
	byID        map[schema.TabID]schema.Tab
	selected    int
}

// NewTabStore constructs an uninitialized store. adapter may be nil for a
// store without persistence.
func NewTabStore(adapter *persist.Adapter, logger pslog.Logger) *TabStore {
	return &TabStore{
		adapter:  adapter,
		log:      logger,
		limit:    schema.MaxTabLimit,
		byID:     make(map[schema.TabID]schema.Tab),
		selected: schema.NoSelection,
	}
}

// Init loads the persisted collection for cfg.StorageKey or starts empty.
// It reports whether state was restored from storage. Calling Init again is a no-op.
func (s *TabStore) Init(cfg StoreConfig) (bool, error) {
	if s.initialized {
		return s.restored, nil
	}
	key, err := schema.NormalizeStorageKey(cfg.StorageKey)
	if err != nil {
		return false, err
	}
	limit := cfg.Limit
	if limit <= 0 {
		limit = schema.MaxTabLimit
	}
	if limit > schema.MaxTabLimit {
		return false, fmt.Errorf("tab limit %d exceeds maximum %d", limit, schema.MaxTabLimit)
	}
	s.key = key
	s.limit = limit
	if s.log != nil {
		s.log = s.log.With("storage_key", key)
	}
	s.initialized = true

	if s.adapter == nil {
		return false, nil
	}
	state, ok, err := s.adapter.Load(key)
	if err != nil {
		if s.log != nil {
			s.log.Warn("store state load failed", "err", err)
		}
		return false, nil
	}
	if !ok {
		if s.log != nil {
			s.log.Debug("store state missing")
		}
		return false, nil
	}
	s.load(state)
	s.restored = true
	if s.log != nil {
		s.log.Debug("store state loaded", "tabs", len(s.order), "selected", s.selected)
	}
	return true, nil
}

// load replaces the collection with state, repairing anything that would
// break the collection invariants.
func (s *TabStore) load(state schema.TabState) {
	order := make([]schema.TabID, 0, len(state.Order))
	byID := make(map[schema.TabID]schema.Tab, len(state.Order))
	for _, id := range state.Order {
		if len(order) >= s.limit {
			break
		}
		tab, ok := state.ByID[id]
		if !ok || id == "" {
			continue
		}
		if _, dup := byID[id]; dup {
			continue
		}
		tab.ID = id
		tab = pinDirty(tab)
		order = append(order, id)
		byID[id] = tab.Clone()
	}
	scratch := -1
	for i := len(order) - 1; i >= 0; i-- {
		tab := byID[order[i]]
		if tab.IsFixed {
			continue
		}
		if scratch == -1 {
			scratch = i
			continue
		}
		tab.IsFixed = true
		byID[order[i]] = tab
	}
	s.order = order
	s.byID = byID
	s.selected = state.SelectedIndex
	s.clampSelection()
}

// Rehydrate applies transform to the current collection and reloads it.
func (s *TabStore) Rehydrate(transform LoadTransform) {
	if transform == nil {
		return
	}
	s.load(transform.AfterLoad(s.Snapshot(nil)))
}

// Key returns the storage key after Init.
func (s *TabStore) Key() schema.StorageKey {
	return s.key
}

// Limit returns the maximum number of tabs.
func (s *TabStore) Limit() int {
	return s.limit
}

// Restored reports whether Init found persisted state.
func (s *TabStore) Restored() bool {
	return s.restored
}

// Len returns the number of tabs.
func (s *TabStore) Len() int {
	return len(s.order)
}

// Full reports whether another tab can be inserted.
func (s *TabStore) Full() bool {
	return len(s.order) >= s.limit
}

// Get returns a copy of the tab with id.
func (s *TabStore) Get(id schema.TabID) (schema.Tab, bool) {
	tab, ok := s.byID[id]
	if !ok {
		return schema.Tab{}, false
	}
	return tab.Clone(), true
}

// FindByResourceID returns the first tab in order whose params carry resourceID.
func (s *TabStore) FindByResourceID(resourceID string) (schema.Tab, bool) {
	if resourceID == "" {
		return schema.Tab{}, false
	}
	for _, id := range s.order {
		tab := s.byID[id]
		if tab.ResourceID() == resourceID {
			return tab.Clone(), true
		}
	}
	return schema.Tab{}, false
}

// IndexOf returns the position of id or -1.
func (s *TabStore) IndexOf(id schema.TabID) int {
	for i, current := range s.order {
		if current == id {
			return i
		}
	}
	return -1
}

// At returns a copy of the tab at index.
func (s *TabStore) At(index int) (schema.Tab, bool) {
	if index < 0 || index >= len(s.order) {
		return schema.Tab{}, false
	}
	return s.byID[s.order[index]].Clone(), true
}

// Tabs returns copies of all tabs in display order.
func (s *TabStore) Tabs() []schema.Tab {
	out := make([]schema.Tab, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.byID[id].Clone())
	}
	return out
}

// IDs returns the ordered tab ids.
func (s *TabStore) IDs() []schema.TabID {
	out := make([]schema.TabID, len(s.order))
	copy(out, s.order)
	return out
}

// Selected returns the selected index or NoSelection.
func (s *TabStore) Selected() int {
	return s.selected
}

// ScratchIndex returns the index of the non-fixed tab or -1.
func (s *TabStore) ScratchIndex() int {
	for i, id := range s.order {
		if !s.byID[id].IsFixed {
			return i
		}
	}
	return -1
}

// Insert adds tab at atIndex; an index outside [0, Len] appends.
// The selected tab stays selected. A dirty tab is stored fixed.
func (s *TabStore) Insert(tab schema.Tab, atIndex int) error {
	tab = pinDirty(tab)
	if tab.ID == "" {
		return fmt.Errorf("%w: tab id is required", schema.ErrInvalidRequest)
	}
	if s.Full() {
		return schema.ErrLimitExceeded
	}
	if _, exists := s.byID[tab.ID]; exists {
		return fmt.Errorf("%w: %s", schema.ErrDuplicateTab, tab.ID)
	}
	if !tab.IsFixed && s.ScratchIndex() >= 0 {
		return schema.ErrScratchOccupied
	}
	if atIndex < 0 || atIndex > len(s.order) {
		atIndex = len(s.order)
	}
	s.order = append(s.order, "")
	copy(s.order[atIndex+1:], s.order[atIndex:])
	s.order[atIndex] = tab.ID
	s.byID[tab.ID] = tab.Clone()
	if s.selected != schema.NoSelection && s.selected >= atIndex {
		s.selected++
	}
	return nil
}

// Update replaces the tab at index with next. Extends is shallow-merged,
// every other field is overwritten and the id is preserved. A dirty tab is
// stored fixed.
func (s *TabStore) Update(index int, next schema.Tab) error {
	next = pinDirty(next)
	if index < 0 || index >= len(s.order) {
		return fmt.Errorf("%w: %d", schema.ErrIndexOutOfRange, index)
	}
	id := s.order[index]
	current := s.byID[id]
	if !next.IsFixed {
		if scratch := s.ScratchIndex(); scratch >= 0 && scratch != index {
			return schema.ErrScratchOccupied
		}
	}
	merged := next.Clone()
	merged.ID = id
	if len(current.Extends) > 0 || len(next.Extends) > 0 {
		extends := make(map[string]any, len(current.Extends)+len(next.Extends))
		for k, v := range current.Extends {
			extends[k] = v
		}
		for k, v := range next.Extends {
			extends[k] = v
		}
		merged.Extends = extends
	}
	s.byID[id] = merged
	return nil
}

// Replace swaps the tab at index for tab in one step. Selection is unchanged.
func (s *TabStore) Replace(index int, tab schema.Tab) error {
	tab = pinDirty(tab)
	if index < 0 || index >= len(s.order) {
		return fmt.Errorf("%w: %d", schema.ErrIndexOutOfRange, index)
	}
	if tab.ID == "" {
		return fmt.Errorf("%w: tab id is required", schema.ErrInvalidRequest)
	}
	old := s.order[index]
	if _, exists := s.byID[tab.ID]; exists && tab.ID != old {
		return fmt.Errorf("%w: %s", schema.ErrDuplicateTab, tab.ID)
	}
	if !tab.IsFixed {
		if scratch := s.ScratchIndex(); scratch >= 0 && scratch != index {
			return schema.ErrScratchOccupied
		}
	}
	delete(s.byID, old)
	s.order[index] = tab.ID
	s.byID[tab.ID] = tab.Clone()
	return nil
}

// Remove deletes the tab at index. A selection past index shifts down; a
// removed selection moves to the following tab, else the preceding one.
func (s *TabStore) Remove(index int) (schema.Tab, error) {
	if index < 0 || index >= len(s.order) {
		return schema.Tab{}, fmt.Errorf("%w: %d", schema.ErrIndexOutOfRange, index)
	}
	id := s.order[index]
	tab := s.byID[id]
	s.order = append(s.order[:index], s.order[index+1:]...)
	delete(s.byID, id)
	if s.selected > index {
		s.selected--
	}
	s.clampSelection()
	return tab, nil
}

// SetSelected selects index. NoSelection is accepted only for an empty collection.
func (s *TabStore) SetSelected(index int) error {
	if index == schema.NoSelection && len(s.order) == 0 {
		s.selected = index
		return nil
	}
	if index < 0 || index >= len(s.order) {
		return fmt.Errorf("%w: %d", schema.ErrIndexOutOfRange, index)
	}
	s.selected = index
	return nil
}

// Snapshot returns a storage-ready copy of the collection. transform, when
// non-nil, is applied to the copy.
func (s *TabStore) Snapshot(transform SaveTransform) schema.TabState {
	state := schema.TabState{
		Order:         append([]schema.TabID{}, s.order...),
		ByID:          make(map[schema.TabID]schema.Tab, len(s.byID)),
		SelectedIndex: s.selected,
	}
	for id, tab := range s.byID {
		state.ByID[id] = tab.Clone()
	}
	if transform != nil {
		state = transform.BeforeSave(state)
	}
	return state
}

// Persist writes the snapshot with selectedIndex under the storage key.
func (s *TabStore) Persist(selectedIndex int, opts PersistOptions) error {
	if s.adapter == nil {
		return nil
	}
	if !s.initialized {
		return fmt.Errorf("%w: store not initialized", schema.ErrPersistenceUnavailable)
	}
	state := s.Snapshot(opts.Transform)
	state.SelectedIndex = selectedIndex
	if err := s.adapter.Save(s.key, state); err != nil {
		return err
	}
	if s.log != nil {
		s.log.Trace("store state persisted", "tabs", len(state.Order))
	}
	return nil
}

// pinDirty fixes a tab with unsaved changes so it is never replaced as the
// scratch tab.
func pinDirty(tab schema.Tab) schema.Tab {
	if tab.HasChanged {
		tab.IsFixed = true
	}
	return tab
}

func (s *TabStore) clampSelection() {
	switch {
	case len(s.order) == 0:
		s.selected = schema.NoSelection
	case s.selected < 0:
		s.selected = 0
	case s.selected >= len(s.order):
		s.selected = len(s.order) - 1
	}
}
