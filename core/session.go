package core

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"pkt.systems/pslog"
	"pkt.systems/tabkeeper/internal/logx"
	"pkt.systems/tabkeeper/internal/persist"
	"pkt.systems/tabkeeper/schema"
)

// SessionConfig configures one tab session.
type SessionConfig struct {
	StorageKey      schema.StorageKey
	Limit           int
	BasicTabs       []schema.TabTemplate
	PersistOnChange bool
}

// Session is the context object for one storage key. Every operation is
// serialized through its mutex; leave checks and decisions are awaited
// without holding it.
type Session struct {
	cfg    SessionConfig
	store  *TabStore
	engine *Engine
	guard  *LeaveGuard
	hooks  Hooks
	sink   EventSink
	log    pslog.Logger

	mu          sync.Mutex
	initialized bool
	restored    bool
	disposed    bool
}

// NewSession constructs a session. adapter may be nil for an in-memory
// session without persistence.
func NewSession(cfg SessionConfig, adapter *persist.Adapter, sink EventSink, hooks Hooks, logger pslog.Logger) (*Session, error) {
	key, err := schema.NormalizeStorageKey(cfg.StorageKey)
	if err != nil {
		return nil, err
	}
	cfg.StorageKey = key
	if cfg.Limit <= 0 {
		cfg.Limit = schema.MaxTabLimit
	}
	if cfg.Limit > schema.MaxTabLimit {
		return nil, fmt.Errorf("tab limit %d exceeds maximum %d", cfg.Limit, schema.MaxTabLimit)
	}
	if len(cfg.BasicTabs) > cfg.Limit {
		return nil, errors.New("basic tabs exceed tab limit")
	}
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	logger = logger.With("storage_key", key)
	if sink == nil {
		sink = nopSink{}
	}
	hooks = hooks.withDefaults()
	if adapter != nil {
		// LoadTransform runs in Engine.Init on the restored collection.
		adapter = adapter.WithTransforms(hooks.SaveTransform, nil)
	}
	store := NewTabStore(adapter, logger)
	engine := NewEngine(store, EngineDeps{
		Navigator: hooks.Navigator,
		EventSink: sink,
		Logger:    logger,
	})
	return &Session{
		cfg:    cfg,
		store:  store,
		engine: engine,
		guard:  NewLeaveGuard(hooks.LeaveChecker, logger),
		hooks:  hooks,
		sink:   sink,
		log:    logger,
	}, nil
}

// Key returns the storage key of the session.
func (s *Session) Key() schema.StorageKey {
	return s.cfg.StorageKey
}

// Guard exposes the session leave guard.
func (s *Session) Guard() *LeaveGuard {
	return s.guard
}

// Init loads persisted state or seeds the basic tabs. It reports whether
// state was restored from storage and is a no-op after the first call.
func (s *Session) Init(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return false, schema.ErrSessionDisposed
	}
	if s.initialized {
		return s.restored, nil
	}
	restored, err := s.store.Init(StoreConfig{StorageKey: s.cfg.StorageKey, Limit: s.cfg.Limit})
	if err != nil {
		return false, err
	}
	seeded := s.engine.Init(EngineConfig{
		BasicTabs:     s.cfg.BasicTabs,
		LoadTransform: s.hooks.LoadTransform,
	})
	s.initialized = true
	s.restored = restored
	current, _ := s.engine.GetCurrentTab()
	s.sink.OnTabEvent(schema.TabEvent{
		StorageKey:    s.cfg.StorageKey,
		Type:          schema.TabEventRestored,
		Tab:           current,
		SelectedIndex: s.store.Selected(),
	})
	logx.WithStorageKey(ctx, s.cfg.StorageKey).Info("session initialized", "restored", restored, "seeded", seeded, "tabs", s.store.Len())
	return restored, nil
}

// View returns a transport-friendly view of the collection.
func (s *Session) View() schema.CollectionView {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewLocked()
}

func (s *Session) viewLocked() schema.CollectionView {
	view := schema.CollectionView{
		StorageKey:    s.cfg.StorageKey,
		Tabs:          s.store.Tabs(),
		SelectedIndex: s.store.Selected(),
		Limit:         s.store.Limit(),
	}
	if current, ok := s.engine.GetCurrentTab(); ok {
		view.Current = &current
	}
	return view
}

// Snapshot returns the storage-ready state of the collection.
func (s *Session) Snapshot() schema.TabState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.Snapshot(nil)
}

// Current returns the selected tab.
func (s *Session) Current() (schema.Tab, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine.GetCurrentTab()
}

// Get returns the tab with id.
func (s *Session) Get(id schema.TabID) (schema.Tab, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.Get(id)
}

// LookupResource returns the first tab editing resourceID.
func (s *Session) LookupResource(resourceID string) (schema.Tab, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.FindByResourceID(resourceID)
}

// NewTab opens a default tab after the leave check on the scratch tab it
// replaces, or with no target when it appends. ok is false when the guard
// declined; a full collection reports ErrLimitExceeded.
func (s *Session) NewTab(ctx context.Context, key string) (tab schema.Tab, ok bool, err error) {
	log := logx.WithStorageKey(ctx, s.cfg.StorageKey)
	scratch, hasScratch, err := s.scratchForGuard()
	if err != nil {
		return schema.Tab{}, false, err
	}
	if !s.guard.Check(ctx, tabRef(scratch, hasScratch)) {
		log.Debug("session new tab declined", "replaces", scratch.ID)
		return schema.Tab{}, false, nil
	}

	s.mu.Lock()
	if err := s.readyLocked(); err != nil {
		s.mu.Unlock()
		return schema.Tab{}, false, err
	}
	if now, present := s.scratchLocked(); present != hasScratch || now.ID != scratch.ID {
		s.mu.Unlock()
		log.Debug("session new tab declined", "reason", "scratch tab changed")
		return schema.Tab{}, false, nil
	}
	if s.store.Full() {
		s.mu.Unlock()
		log.Info("session new tab rejected", "err", schema.ErrLimitExceeded, "limit", s.store.Limit())
		return schema.Tab{}, false, schema.ErrLimitExceeded
	}
	s.hooks.Reporter.Report(ctx, "tab_open", "storage_key", s.cfg.StorageKey, "key", key)
	tab, err = s.engine.NewDefaultTab(ctx, key)
	s.mu.Unlock()
	if err != nil {
		if !isLimit(err) {
			log.Warn("session new tab failed", "err", err)
		}
		return schema.Tab{}, false, err
	}
	s.persistOnChange(log)
	return tab, true, nil
}

// Select selects index after the leave check on the tab being deactivated.
func (s *Session) Select(ctx context.Context, index int) (schema.Tab, bool, error) {
	current, hasCurrent, err := s.currentForGuard()
	if err != nil {
		return schema.Tab{}, false, err
	}
	if hasCurrent {
		s.mu.Lock()
		same := s.store.Selected() == index
		s.mu.Unlock()
		if !same && !s.guard.Check(ctx, &current) {
			logx.WithKeyTab(ctx, s.cfg.StorageKey, current.ID).Debug("session select declined", "index", index)
			return schema.Tab{}, false, nil
		}
	}
	s.mu.Lock()
	if err := s.readyLocked(); err != nil {
		s.mu.Unlock()
		return schema.Tab{}, false, err
	}
	tab, err := s.engine.Select(index)
	if err == nil {
		if navErr := s.engine.NavigateByTab(ctx, tab); navErr != nil {
			logx.WithKeyTab(ctx, s.cfg.StorageKey, tab.ID).Warn("session navigate failed", "err", navErr)
		}
	}
	s.mu.Unlock()
	if err != nil {
		return schema.Tab{}, false, err
	}
	s.persistOnChange(logx.WithStorageKey(ctx, s.cfg.StorageKey))
	return tab, true, nil
}

// Navigate re-issues navigation to the selected tab.
func (s *Session) Navigate(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.readyLocked(); err != nil {
		return err
	}
	tab, ok := s.engine.GetCurrentTab()
	if !ok {
		return schema.ErrTabNotFound
	}
	return s.engine.NavigateByTab(ctx, tab)
}

// RouteChanged binds a completed navigation to a tab.
func (s *Session) RouteChanged(ctx context.Context, event schema.NavigationEvent) (schema.Tab, error) {
	log := logx.WithStorageKey(ctx, s.cfg.StorageKey)
	s.mu.Lock()
	if err := s.readyLocked(); err != nil {
		s.mu.Unlock()
		return schema.Tab{}, err
	}
	tab, err := s.engine.OperateTabAfterRouteChange(event)
	s.mu.Unlock()
	if err != nil {
		if isLimit(err) {
			log.Info("session route tab rejected", "pathname", event.Pathname, "err", err)
		} else {
			log.Warn("session route change failed", "pathname", event.Pathname, "err", err)
		}
		return schema.Tab{}, err
	}
	s.persistOnChange(log)
	return tab, nil
}

// RequestClose starts closing the tab at index. A clean tab closes right
// away; a dirty tab yields a pending decision to resolve with ResolveClose.
func (s *Session) RequestClose(ctx context.Context, index int) (schema.CloseOutcome, error) {
	s.mu.Lock()
	if err := s.readyLocked(); err != nil {
		s.mu.Unlock()
		return schema.CloseOutcome{}, err
	}
	tab, ok := s.store.At(index)
	s.mu.Unlock()
	if !ok {
		return schema.CloseOutcome{}, fmt.Errorf("%w: %d", schema.ErrIndexOutOfRange, index)
	}
	log := logx.WithKeyTab(ctx, s.cfg.StorageKey, tab.ID)

	if !s.guard.Check(ctx, &tab) {
		log.Debug("session close declined")
		return schema.CloseOutcome{Status: schema.CloseStatusDeclined, Tab: tab}, nil
	}

	s.mu.Lock()
	if err := s.readyLocked(); err != nil {
		s.mu.Unlock()
		return schema.CloseOutcome{}, err
	}
	idx := s.store.IndexOf(tab.ID)
	if idx < 0 {
		s.mu.Unlock()
		log.Warn("session close skipped", "err", schema.ErrTabNotFound)
		return schema.CloseOutcome{}, fmt.Errorf("%w: %s", schema.ErrTabNotFound, tab.ID)
	}
	tab, _ = s.store.At(idx)
	if !tab.HasChanged {
		closed, err := s.engine.CloseTab(idx)
		s.mu.Unlock()
		if err != nil {
			return schema.CloseOutcome{}, err
		}
		s.persistOnChange(log)
		return schema.CloseOutcome{Status: schema.CloseStatusClosed, Tab: closed}, nil
	}
	pending := s.guard.RequestLeave(tab, schema.UnsavedChangesPrompt())
	s.sink.OnTabEvent(schema.TabEvent{
		StorageKey:    s.cfg.StorageKey,
		Type:          schema.TabEventLeavePending,
		Tab:           tab,
		SelectedIndex: s.store.Selected(),
		Decision:      &pending,
	})
	s.mu.Unlock()
	log.Info("session close pending", "decision", pending.ID)
	return schema.CloseOutcome{Status: schema.CloseStatusPending, Tab: tab, Decision: &pending}, nil
}

// ResolveClose applies the user's choice to a pending close. Cancel leaves
// the collection untouched; discard and save close the tab after emitting
// the matching signal.
func (s *Session) ResolveClose(ctx context.Context, id schema.DecisionID, choice schema.Choice) (schema.CloseOutcome, error) {
	decision, err := s.guard.Resolve(id, choice)
	if err != nil {
		return schema.CloseOutcome{}, err
	}
	log := logx.WithKeyTab(ctx, s.cfg.StorageKey, decision.TabID).With("decision", id, "choice", choice)

	s.mu.Lock()
	if err := s.readyLocked(); err != nil {
		s.mu.Unlock()
		return schema.CloseOutcome{}, err
	}
	idx := s.store.IndexOf(decision.TabID)
	if idx < 0 {
		s.mu.Unlock()
		log.Warn("session resolve skipped", "err", schema.ErrTabNotFound)
		return schema.CloseOutcome{}, fmt.Errorf("%w: %s", schema.ErrTabNotFound, decision.TabID)
	}
	tab, _ := s.store.At(idx)
	if choice == schema.ChoiceCancel {
		s.mu.Unlock()
		log.Info("session close canceled")
		return schema.CloseOutcome{Status: schema.CloseStatusCanceled, Tab: tab, Decision: &decision}, nil
	}
	signal := schema.TabEventDiscarded
	if choice == schema.ChoiceSave {
		signal = schema.TabEventSaveRequested
	}
	s.sink.OnTabEvent(schema.TabEvent{
		StorageKey:    s.cfg.StorageKey,
		Type:          signal,
		Tab:           tab,
		SelectedIndex: s.store.Selected(),
		Decision:      &decision,
	})
	closed, err := s.engine.CloseTab(idx)
	s.mu.Unlock()
	if err != nil {
		return schema.CloseOutcome{}, err
	}
	log.Info("session close resolved")
	s.persistOnChange(log)
	return schema.CloseOutcome{Status: schema.CloseStatusClosed, Tab: closed, Decision: &decision}, nil
}

// Close runs the full close flow, asking the Dialog for dirty tabs. Without
// a Dialog the pending outcome is returned for the caller to resolve.
func (s *Session) Close(ctx context.Context, index int) (schema.CloseOutcome, error) {
	outcome, err := s.RequestClose(ctx, index)
	if err != nil || outcome.Status != schema.CloseStatusPending || s.hooks.Dialog == nil {
		return outcome, err
	}
	decision := outcome.Decision
	choice, err := s.hooks.Dialog.Ask(ctx, decision.Prompt)
	if err != nil {
		logx.WithKeyTab(ctx, s.cfg.StorageKey, outcome.Tab.ID).Warn("session dialog failed", "err", err)
		choice = schema.ChoiceCancel
	}
	return s.ResolveClose(ctx, decision.ID, choice)
}

// BatchClose closes every id after one leave check. ok is false when the
// guard declined.
func (s *Session) BatchClose(ctx context.Context, ids []schema.TabID) (schema.BatchResult, bool, error) {
	if err := s.ready(); err != nil {
		return schema.BatchResult{}, false, err
	}
	if !s.guard.Check(ctx, nil) {
		logx.WithStorageKey(ctx, s.cfg.StorageKey).Debug("session batch close declined")
		return schema.BatchResult{}, false, nil
	}
	s.mu.Lock()
	if err := s.readyLocked(); err != nil {
		s.mu.Unlock()
		return schema.BatchResult{}, false, err
	}
	result := s.engine.BatchClose(ids)
	s.mu.Unlock()
	s.persistOnChange(logx.WithStorageKey(ctx, s.cfg.StorageKey))
	return result, true, nil
}

// CloseByOperate runs a bulk close action after one leave check.
func (s *Session) CloseByOperate(ctx context.Context, action schema.TabOperation, id schema.TabID) (schema.BatchResult, bool, error) {
	s.mu.Lock()
	if err := s.readyLocked(); err != nil {
		s.mu.Unlock()
		return schema.BatchResult{}, false, err
	}
	_, err := s.engine.OperationTargets(action, id)
	s.mu.Unlock()
	if err != nil {
		return schema.BatchResult{}, false, err
	}
	if !s.guard.Check(ctx, nil) {
		logx.WithStorageKey(ctx, s.cfg.StorageKey).Debug("session operate declined", "action", action)
		return schema.BatchResult{}, false, nil
	}
	s.mu.Lock()
	if err := s.readyLocked(); err != nil {
		s.mu.Unlock()
		return schema.BatchResult{}, false, err
	}
	result, err := s.engine.CloseTabByOperate(action, id)
	s.mu.Unlock()
	if err != nil {
		return schema.BatchResult{}, false, err
	}
	s.persistOnChange(logx.WithStorageKey(ctx, s.cfg.StorageKey))
	return result, true, nil
}

// UpdatePartial applies patch to the tab with id.
func (s *Session) UpdatePartial(ctx context.Context, id schema.TabID, patch schema.TabPatch) (schema.Tab, error) {
	s.mu.Lock()
	if err := s.readyLocked(); err != nil {
		s.mu.Unlock()
		return schema.Tab{}, err
	}
	tab, err := s.engine.UpdatePartial(id, patch)
	s.mu.Unlock()
	log := logx.WithKeyTab(ctx, s.cfg.StorageKey, id)
	if err != nil {
		if errors.Is(err, schema.ErrTabNotFound) {
			log.Warn("session update skipped", "err", err)
		}
		return schema.Tab{}, err
	}
	s.persistOnChange(log)
	return tab, nil
}

// FixTab marks the tab with id as fixed.
func (s *Session) FixTab(ctx context.Context, id schema.TabID) (schema.Tab, error) {
	fixed := true
	return s.UpdatePartial(ctx, id, schema.TabPatch{IsFixed: &fixed})
}

// Persist writes the current collection to storage and returns any error.
func (s *Session) Persist(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.readyLocked(); err != nil {
		return err
	}
	if err := s.store.Persist(s.store.Selected(), PersistOptions{}); err != nil {
		logx.WithStorageKey(ctx, s.cfg.StorageKey).Warn("session persist failed", "err", err)
		return err
	}
	return nil
}

// Unload synchronously snapshots the collection. Failures are logged and
// swallowed so teardown is never blocked.
func (s *Session) Unload(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized || s.disposed {
		return
	}
	s.persistLocked(logx.WithStorageKey(ctx, s.cfg.StorageKey))
}

// Dispose snapshots the collection, cancels open decisions and rejects
// further operations.
func (s *Session) Dispose(ctx context.Context) {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	log := logx.WithStorageKey(ctx, s.cfg.StorageKey)
	if s.initialized {
		s.persistLocked(log)
	}
	s.disposed = true
	s.mu.Unlock()
	canceled := s.guard.CancelAll()
	log.Info("session disposed", "canceled_decisions", canceled)
}

func (s *Session) persistOnChange(log pslog.Logger) {
	if !s.cfg.PersistOnChange {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return
	}
	s.persistLocked(log)
}

func (s *Session) persistLocked(log pslog.Logger) {
	if err := s.store.Persist(s.store.Selected(), PersistOptions{}); err != nil {
		log.Warn("session persist failed", "err", err)
		return
	}
	log.Trace("session state persisted", "tabs", s.store.Len())
}

func (s *Session) currentForGuard() (schema.Tab, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.readyLocked(); err != nil {
		return schema.Tab{}, false, err
	}
	tab, ok := s.engine.GetCurrentTab()
	return tab, ok, nil
}

func (s *Session) scratchForGuard() (schema.Tab, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.readyLocked(); err != nil {
		return schema.Tab{}, false, err
	}
	tab, ok := s.scratchLocked()
	return tab, ok, nil
}

func (s *Session) scratchLocked() (schema.Tab, bool) {
	return s.store.At(s.store.ScratchIndex())
}

func (s *Session) ready() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readyLocked()
}

func (s *Session) readyLocked() error {
	if s.disposed {
		return schema.ErrSessionDisposed
	}
	if !s.initialized {
		return fmt.Errorf("%w: session not initialized", schema.ErrInvalidRequest)
	}
	return nil
}

func tabRef(tab schema.Tab, ok bool) *schema.Tab {
	if !ok {
		return nil
	}
	return &tab
}
