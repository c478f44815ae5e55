package core

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"pkt.systems/pslog"
	"pkt.systems/tabkeeper/schema"
)

// EngineConfig configures Engine.Init.
type EngineConfig struct {
	BasicTabs []schema.TabTemplate
	// LoadTransform is applied to restored state before it is exposed.
	LoadTransform LoadTransform
}

// EngineDeps captures optional engine collaborators.
type EngineDeps struct {
	Navigator Navigator
	EventSink EventSink
	Logger    pslog.Logger
	NewID     func() schema.TabID
}

// Engine implements tab operations on top of a TabStore.
// Like the store, it is not safe for concurrent use.
type Engine struct {
	store       *TabStore
	templates   []schema.TabTemplate
	nav         Navigator
	sink        EventSink
	log         pslog.Logger
	newID       func() schema.TabID
	current     schema.Route
	hasCurrent  bool
	initialized bool
}

// NewEngine constructs an engine over store.
func NewEngine(store *TabStore, deps EngineDeps) *Engine {
	if deps.Navigator == nil {
		deps.Navigator = &RouteTracker{}
	}
	if deps.EventSink == nil {
		deps.EventSink = nopSink{}
	}
	if deps.Logger == nil {
		deps.Logger = pslog.Ctx(context.Background())
	}
	if deps.NewID == nil {
		deps.NewID = newTabID
	}
	return &Engine{
		store: store,
		nav:   deps.Navigator,
		sink:  deps.EventSink,
		log:   deps.Logger,
		newID: deps.NewID,
	}
}

// Init seeds one fixed tab per basic tab when the store is empty and
// selects the first. It reports whether tabs were seeded. Calling Init again is a no-op.
func (e *Engine) Init(cfg EngineConfig) bool {
	if e.initialized {
		return false
	}
	e.initialized = true
	e.templates = append([]schema.TabTemplate(nil), cfg.BasicTabs...)
	if e.store.Restored() && cfg.LoadTransform != nil {
		e.store.Rehydrate(cfg.LoadTransform)
	}
	if e.store.Len() > 0 || len(e.templates) == 0 {
		return false
	}
	for _, tpl := range e.templates {
		tab := e.tabFromTemplate(tpl, nil)
		tab.IsFixed = true
		if err := e.store.Insert(tab, -1); err != nil {
			e.log.Warn("engine seed failed", "pathname", tpl.Pathname, "err", err)
			break
		}
	}
	if e.store.Len() > 0 {
		_ = e.store.SetSelected(0)
	}
	e.log.Debug("engine tabs seeded", "tabs", e.store.Len())
	return true
}

// Templates returns the configured basic tabs.
func (e *Engine) Templates() []schema.TabTemplate {
	return append([]schema.TabTemplate(nil), e.templates...)
}

// GetCurrentTab returns the selected tab.
func (e *Engine) GetCurrentTab() (schema.Tab, bool) {
	return e.store.At(e.store.Selected())
}

// CurrentRoute returns the last route reported or requested.
func (e *Engine) CurrentRoute() (schema.Route, bool) {
	return e.current, e.hasCurrent
}

// NewDefaultTab opens a tab from the template matching key (or the first
// template). The scratch tab is replaced in place when present. A full
// collection is left unchanged and reports ErrLimitExceeded.
func (e *Engine) NewDefaultTab(ctx context.Context, key string) (schema.Tab, error) {
	if e.store.Full() {
		return schema.Tab{}, schema.ErrLimitExceeded
	}
	tab := e.tabFromTemplate(e.templateFor(key), nil)
	index, replaced, err := e.placeScratch(tab)
	if err != nil {
		return schema.Tab{}, err
	}
	if err := e.store.SetSelected(index); err != nil {
		return schema.Tab{}, err
	}
	if replaced != nil {
		e.emit(schema.TabEventClosed, *replaced)
	}
	e.emit(schema.TabEventCreated, tab)
	e.log.Info("engine tab opened", "tab", tab.ID, "pathname", tab.Pathname, "index", index, "replaced", replaced != nil)
	if err := e.NavigateByTab(ctx, tab); err != nil {
		e.log.Warn("engine navigate failed", "tab", tab.ID, "err", err)
	}
	return tab, nil
}

// NavigateByTab asks the navigator to show tab. It is a no-op when the
// current route already matches.
func (e *Engine) NavigateByTab(ctx context.Context, tab schema.Tab) error {
	route := tab.Route()
	if e.hasCurrent && e.current.Equal(route) {
		e.log.Trace("engine navigate skipped", "tab", tab.ID, "pathname", route.Pathname)
		return nil
	}
	req := schema.NavigationRequest{
		StorageKey: e.store.Key(),
		TabID:      tab.ID,
		Pathname:   route.Pathname,
		Params:     cloneParams(route.Params),
	}
	if err := e.nav.Navigate(ctx, req); err != nil {
		return err
	}
	e.current = schema.Route{Pathname: req.Pathname, Params: cloneParams(req.Params)}
	e.hasCurrent = true
	e.sink.OnTabEvent(schema.TabEvent{
		StorageKey:    e.store.Key(),
		Type:          schema.TabEventNavigate,
		Tab:           tab,
		SelectedIndex: e.store.Selected(),
		Route:         &schema.Route{Pathname: req.Pathname, Params: cloneParams(req.Params)},
	})
	return nil
}

// OperateTabAfterRouteChange selects the tab matching a completed navigation,
// synthesizing one when none matches.
func (e *Engine) OperateTabAfterRouteChange(event schema.NavigationEvent) (schema.Tab, error) {
	route := event.Route()
	if strings.TrimSpace(route.Pathname) == "" {
		return schema.Tab{}, fmt.Errorf("%w: pathname is required", schema.ErrInvalidRequest)
	}
	e.current = schema.Route{Pathname: route.Pathname, Params: cloneParams(route.Params)}
	e.hasCurrent = true

	if index, ok := e.matchRoute(route); ok {
		tab, _ := e.store.At(index)
		if index != e.store.Selected() {
			_ = e.store.SetSelected(index)
			e.emit(schema.TabEventSelected, tab)
		}
		e.log.Debug("engine route matched", "tab", tab.ID, "pathname", route.Pathname, "index", index)
		return tab, nil
	}

	tpl, ok := e.templateByPathname(route.Pathname)
	if !ok {
		tpl = schema.TabTemplate{Title: route.Pathname, Pathname: route.Pathname}
	}
	tab := e.tabFromTemplate(tpl, route.Params)
	index, replaced, err := e.placeScratch(tab)
	if err != nil {
		return schema.Tab{}, err
	}
	_ = e.store.SetSelected(index)
	if replaced != nil {
		e.emit(schema.TabEventClosed, *replaced)
	}
	e.emit(schema.TabEventCreated, tab)
	e.log.Info("engine route tab created", "tab", tab.ID, "pathname", route.Pathname, "index", index)
	return tab, nil
}

// matchRoute applies the lookup order: the selected tab, then pathname and
// resource id, then pathname and equal params for routes without a resource id.
func (e *Engine) matchRoute(route schema.Route) (int, bool) {
	if current, ok := e.GetCurrentTab(); ok && current.Route().Equal(route) {
		return e.store.Selected(), true
	}
	resourceID := route.ResourceID()
	for i, tab := range e.store.Tabs() {
		if tab.Pathname != route.Pathname {
			continue
		}
		if resourceID != "" {
			if tab.ResourceID() == resourceID {
				return i, true
			}
			continue
		}
		if tab.Route().Equal(route) {
			return i, true
		}
	}
	return -1, false
}

// placeScratch replaces the scratch tab with tab, or appends it within the limit.
func (e *Engine) placeScratch(tab schema.Tab) (int, *schema.Tab, error) {
	if scratch := e.store.ScratchIndex(); scratch >= 0 {
		old, _ := e.store.At(scratch)
		if err := e.store.Replace(scratch, tab); err != nil {
			return -1, nil, err
		}
		return scratch, &old, nil
	}
	if err := e.store.Insert(tab, -1); err != nil {
		return -1, nil, err
	}
	return e.store.Len() - 1, nil, nil
}

// CloseTab removes the tab at index. Selection moves to the following tab,
// else the preceding one, else none.
func (e *Engine) CloseTab(index int) (schema.Tab, error) {
	before := e.store.Selected()
	tab, err := e.store.Remove(index)
	if err != nil {
		return schema.Tab{}, err
	}
	e.emit(schema.TabEventClosed, tab)
	if before == index {
		if next, ok := e.GetCurrentTab(); ok {
			e.emit(schema.TabEventSelected, next)
		}
	}
	e.log.Info("engine tab closed", "tab", tab.ID, "index", index, "selected", e.store.Selected())
	return tab, nil
}

// BatchClose removes every present id. Missing ids are logged and skipped.
// The selected tab stays selected when it survives; otherwise the nearest
// following survivor is selected, else the nearest preceding one.
func (e *Engine) BatchClose(ids []schema.TabID) schema.BatchResult {
	result := schema.BatchResult{Closed: []schema.TabID{}}
	prevOrder := e.store.IDs()
	prevSelected := e.store.Selected()
	var selectedID schema.TabID
	if prevSelected >= 0 && prevSelected < len(prevOrder) {
		selectedID = prevOrder[prevSelected]
	}

	seen := make(map[schema.TabID]struct{}, len(ids))
	var closed []schema.Tab
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		index := e.store.IndexOf(id)
		if index < 0 {
			e.log.Warn("engine batch close skipped", "tab", id, "err", schema.ErrTabNotFound)
			result.Missing = append(result.Missing, id)
			continue
		}
		tab, err := e.store.Remove(index)
		if err != nil {
			e.log.Warn("engine batch close failed", "tab", id, "err", err)
			continue
		}
		closed = append(closed, tab)
		result.Closed = append(result.Closed, id)
	}
	if len(closed) == 0 {
		result.Selected = e.store.Selected()
		return result
	}

	next := schema.NoSelection
	if selectedID != "" {
		if idx := e.store.IndexOf(selectedID); idx >= 0 {
			next = idx
		} else {
			next = nearestSurvivor(e.store, prevOrder, prevSelected)
		}
	} else if e.store.Len() > 0 {
		next = 0
	}
	_ = e.store.SetSelected(next)
	result.Selected = e.store.Selected()

	for _, tab := range closed {
		e.emit(schema.TabEventClosed, tab)
	}
	if current, ok := e.GetCurrentTab(); ok && current.ID != selectedID {
		e.emit(schema.TabEventSelected, current)
	}
	e.log.Info("engine batch closed", "closed", len(result.Closed), "missing", len(result.Missing), "selected", result.Selected)
	return result
}

func nearestSurvivor(store *TabStore, prevOrder []schema.TabID, from int) int {
	for i := from + 1; i < len(prevOrder); i++ {
		if idx := store.IndexOf(prevOrder[i]); idx >= 0 {
			return idx
		}
	}
	for i := from - 1; i >= 0; i-- {
		if idx := store.IndexOf(prevOrder[i]); idx >= 0 {
			return idx
		}
	}
	return schema.NoSelection
}

// CloseTabByOperate runs a bulk close action relative to id, or to the
// selected tab when id is empty.
func (e *Engine) CloseTabByOperate(action schema.TabOperation, id schema.TabID) (schema.BatchResult, error) {
	targets, err := e.OperationTargets(action, id)
	if err != nil {
		return schema.BatchResult{Closed: []schema.TabID{}, Selected: e.store.Selected()}, err
	}
	return e.BatchClose(targets), nil
}

// OperationTargets returns the ids a bulk close action would remove.
func (e *Engine) OperationTargets(action schema.TabOperation, id schema.TabID) ([]schema.TabID, error) {
	switch action {
	case schema.OperationCloseCurrent, schema.OperationCloseOthers, schema.OperationCloseAll,
		schema.OperationCloseToRight, schema.OperationCloseToLeft:
	default:
		return nil, fmt.Errorf("%w: %q", schema.ErrUnknownOperation, action)
	}
	order := e.store.IDs()
	if action == schema.OperationCloseAll {
		return order, nil
	}
	anchor := e.store.Selected()
	if id != "" {
		anchor = e.store.IndexOf(id)
	}
	if anchor < 0 {
		e.log.Warn("engine operate skipped", "action", action, "tab", id, "err", schema.ErrTabNotFound)
		return nil, nil
	}
	switch action {
	case schema.OperationCloseCurrent:
		return []schema.TabID{order[anchor]}, nil
	case schema.OperationCloseOthers:
		out := make([]schema.TabID, 0, len(order)-1)
		out = append(out, order[:anchor]...)
		return append(out, order[anchor+1:]...), nil
	case schema.OperationCloseToRight:
		return order[anchor+1:], nil
	default:
		return order[:anchor], nil
	}
}

// Select selects index and emits a selection event when it changes.
func (e *Engine) Select(index int) (schema.Tab, error) {
	if err := e.store.SetSelected(index); err != nil {
		return schema.Tab{}, err
	}
	tab, _ := e.store.At(index)
	e.emit(schema.TabEventSelected, tab)
	return tab, nil
}

// UpdatePartial applies patch to the tab with id. The store fixes a tab
// that becomes dirty.
func (e *Engine) UpdatePartial(id schema.TabID, patch schema.TabPatch) (schema.Tab, error) {
	index := e.store.IndexOf(id)
	if index < 0 {
		return schema.Tab{}, fmt.Errorf("%w: %s", schema.ErrTabNotFound, id)
	}
	next, _ := e.store.At(index)
	if patch.Title != nil {
		next.Title = *patch.Title
	}
	if patch.Pathname != nil {
		next.Pathname = *patch.Pathname
	}
	if patch.Params != nil {
		next.Params = cloneParams(patch.Params)
	}
	if patch.Type != nil {
		next.Type = *patch.Type
	}
	if patch.IsFixed != nil {
		next.IsFixed = *patch.IsFixed
	}
	if patch.HasChanged != nil {
		next.HasChanged = *patch.HasChanged
	}
	if patch.BaseContent != nil {
		next.BaseContent = patch.BaseContent
	}
	next.Extends = patch.Extends
	if err := e.store.Update(index, next); err != nil {
		return schema.Tab{}, err
	}
	updated, _ := e.store.At(index)
	e.emit(schema.TabEventUpdated, updated)
	e.log.Debug("engine tab updated", "tab", id, "dirty", updated.HasChanged, "fixed", updated.IsFixed)
	return updated, nil
}

// FixTab protects the tab with id from scratch replacement.
func (e *Engine) FixTab(id schema.TabID) (schema.Tab, error) {
	fixed := true
	return e.UpdatePartial(id, schema.TabPatch{IsFixed: &fixed})
}

func (e *Engine) templateFor(key string) schema.TabTemplate {
	key = strings.TrimSpace(key)
	if key != "" {
		for _, tpl := range e.templates {
			if tpl.Pathname == key || string(tpl.Type) == key {
				return tpl
			}
		}
	}
	if len(e.templates) > 0 {
		return e.templates[0]
	}
	pathname := "/"
	if strings.HasPrefix(key, "/") {
		pathname = key
	}
	return schema.TabTemplate{Title: "New tab", Pathname: pathname}
}

func (e *Engine) templateByPathname(pathname string) (schema.TabTemplate, bool) {
	for _, tpl := range e.templates {
		if tpl.Pathname == pathname {
			return tpl, true
		}
	}
	return schema.TabTemplate{}, false
}

func (e *Engine) tabFromTemplate(tpl schema.TabTemplate, params map[string]string) schema.Tab {
	if params == nil {
		params = tpl.Params
	}
	title := tpl.Title
	if title == "" {
		title = tpl.Pathname
	}
	return schema.Tab{
		ID:       e.newID(),
		Title:    title,
		Pathname: tpl.Pathname,
		Params:   cloneParams(params),
		Type:     tpl.Type,
	}
}

func (e *Engine) emit(kind schema.TabEventType, tab schema.Tab) {
	e.sink.OnTabEvent(schema.TabEvent{
		StorageKey:    e.store.Key(),
		Type:          kind,
		Tab:           tab,
		SelectedIndex: e.store.Selected(),
	})
}

func cloneParams(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// isLimit reports whether err is the tab limit policy boundary.
func isLimit(err error) bool {
	return errors.Is(err, schema.ErrLimitExceeded)
}
