package core

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/tabkeeper/schema"
)

// LeaveGuard gates destructive operations behind the host leave check and
// a two-phase unsaved-changes decision.
type LeaveGuard struct {
	checker LeaveChecker
	log     pslog.Logger
	now     func() time.Time

	mu      sync.Mutex
	pending map[schema.DecisionID]*decision
}

type decision struct {
	schema.PendingDecision
	done chan struct{}
}

// NewLeaveGuard constructs a guard. A nil checker always allows leaving.
func NewLeaveGuard(checker LeaveChecker, logger pslog.Logger) *LeaveGuard {
	if checker == nil {
		checker = allowLeave{}
	}
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &LeaveGuard{
		checker: checker,
		log:     logger,
		now:     time.Now,
		pending: make(map[schema.DecisionID]*decision),
	}
}

// Check asks the host whether target may be left. Errors and canceled
// contexts count as declined.
func (g *LeaveGuard) Check(ctx context.Context, target *schema.Tab) bool {
	if err := ctx.Err(); err != nil {
		g.log.Debug("guard check canceled", "err", err)
		return false
	}
	ok, err := g.checker.CanLeave(ctx, target)
	if err != nil {
		g.log.Warn("guard check failed", "err", err)
		return false
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		g.log.Debug("guard check canceled", "err", ctxErr)
		return false
	}
	if !ok {
		log := g.log
		if target != nil {
			log = log.With("tab", target.ID)
		}
		log.Debug("guard check declined")
	}
	return ok
}

// RequestLeave opens a decision for leaving target. A tab with an open
// decision gets the same decision back.
func (g *LeaveGuard) RequestLeave(target schema.Tab, prompt schema.Prompt) schema.PendingDecision {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, d := range g.pending {
		if d.TabID == target.ID && target.ID != "" {
			return d.PendingDecision
		}
	}
	d := &decision{
		PendingDecision: schema.PendingDecision{
			ID:        newDecisionID(),
			TabID:     target.ID,
			Prompt:    prompt,
			CreatedAt: g.now(),
		},
		done: make(chan struct{}),
	}
	g.pending[d.ID] = d
	g.log.Debug("guard decision pending", "decision", d.ID, "tab", target.ID)
	return d.PendingDecision
}

// Resolve records choice for the decision and releases waiters.
func (g *LeaveGuard) Resolve(id schema.DecisionID, choice schema.Choice) (schema.PendingDecision, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	d, ok := g.pending[id]
	if !ok {
		return schema.PendingDecision{}, fmt.Errorf("%w: %s", schema.ErrDecisionNotFound, id)
	}
	if !d.Prompt.Allows(choice) {
		return schema.PendingDecision{}, fmt.Errorf("%w: %q", schema.ErrInvalidChoice, choice)
	}
	d.Resolved = true
	d.Choice = choice
	delete(g.pending, id)
	close(d.done)
	g.log.Debug("guard decision resolved", "decision", id, "tab", d.TabID, "choice", choice)
	return d.PendingDecision, nil
}

// Cancel resolves the decision with ChoiceCancel.
func (g *LeaveGuard) Cancel(id schema.DecisionID) (schema.PendingDecision, error) {
	return g.Resolve(id, schema.ChoiceCancel)
}

// CancelAll cancels every open decision.
func (g *LeaveGuard) CancelAll() int {
	g.mu.Lock()
	ids := make([]schema.DecisionID, 0, len(g.pending))
	for id := range g.pending {
		ids = append(ids, id)
	}
	g.mu.Unlock()
	canceled := 0
	for _, id := range ids {
		if _, err := g.Cancel(id); err == nil {
			canceled++
		}
	}
	return canceled
}

// Await blocks until the decision is resolved or ctx is done.
func (g *LeaveGuard) Await(ctx context.Context, id schema.DecisionID) (schema.PendingDecision, error) {
	g.mu.Lock()
	d, ok := g.pending[id]
	g.mu.Unlock()
	if !ok {
		return schema.PendingDecision{}, fmt.Errorf("%w: %s", schema.ErrDecisionNotFound, id)
	}
	select {
	case <-d.done:
		g.mu.Lock()
		defer g.mu.Unlock()
		return d.PendingDecision, nil
	case <-ctx.Done():
		return schema.PendingDecision{}, ctx.Err()
	}
}

// Pending lists open decisions, oldest first.
func (g *LeaveGuard) Pending() []schema.PendingDecision {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]schema.PendingDecision, 0, len(g.pending))
	for _, d := range g.pending {
		out = append(out, d.PendingDecision)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Lookup returns the open decision with id.
func (g *LeaveGuard) Lookup(id schema.DecisionID) (schema.PendingDecision, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	d, ok := g.pending[id]
	if !ok {
		return schema.PendingDecision{}, false
	}
	return d.PendingDecision, true
}
