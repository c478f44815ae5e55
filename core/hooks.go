package core

import (
	"context"
	"sync"

	"pkt.systems/pslog"
	"pkt.systems/tabkeeper/internal/persist"
	"pkt.systems/tabkeeper/schema"
)

// LeaveChecker decides whether the user may leave the current tab.
// target is nil for operations that affect the collection as a whole.
type LeaveChecker interface {
	CanLeave(ctx context.Context, target *schema.Tab) (bool, error)
}

// LeaveCheckerFunc adapts a function to LeaveChecker.
type LeaveCheckerFunc func(ctx context.Context, target *schema.Tab) (bool, error)

// CanLeave calls f.
func (f LeaveCheckerFunc) CanLeave(ctx context.Context, target *schema.Tab) (bool, error) {
	return f(ctx, target)
}

type allowLeave struct{}

func (allowLeave) CanLeave(context.Context, *schema.Tab) (bool, error) { return true, nil }

// SaveTransform rewrites state before it is persisted.
type SaveTransform = persist.SaveTransform

// LoadTransform rewrites state after it is loaded.
type LoadTransform = persist.LoadTransform

// Navigator drives host navigation to a tab route.
type Navigator interface {
	Navigate(ctx context.Context, req schema.NavigationRequest) error
}

// RouteTracker is the default Navigator; it records requests without side effects.
type RouteTracker struct {
	mu       sync.Mutex
	last     schema.NavigationRequest
	requests int
}

// Navigate records req as the last navigation request.
func (t *RouteTracker) Navigate(_ context.Context, req schema.NavigationRequest) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.last = req
	t.requests++
	return nil
}

// Last returns the most recent request and the number of requests seen.
func (t *RouteTracker) Last() (schema.NavigationRequest, int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last, t.requests
}

// Dialog asks the user to pick one option of a prompt.
type Dialog interface {
	Ask(ctx context.Context, prompt schema.Prompt) (schema.Choice, error)
}

// DialogFunc adapts a function to Dialog.
type DialogFunc func(ctx context.Context, prompt schema.Prompt) (schema.Choice, error)

// Ask calls f.
func (f DialogFunc) Ask(ctx context.Context, prompt schema.Prompt) (schema.Choice, error) {
	return f(ctx, prompt)
}

// Reporter receives fire-and-forget telemetry events.
type Reporter interface {
	Report(ctx context.Context, name string, fields ...any)
}

// LogReporter reports telemetry events as debug log lines.
type LogReporter struct{}

// Report logs the event through the context logger.
func (LogReporter) Report(ctx context.Context, name string, fields ...any) {
	pslog.Ctx(ctx).Debug("telemetry event", append([]any{"event", name}, fields...)...)
}
