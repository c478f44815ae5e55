package core

import (
	"pkt.systems/pslog"
	"pkt.systems/tabkeeper/internal/persist"
)

// Hooks holds host-supplied strategies. Nil fields fall back to no-op defaults.
type Hooks struct {
	LeaveChecker  LeaveChecker
	SaveTransform SaveTransform
	LoadTransform LoadTransform
	Navigator     Navigator
	Dialog        Dialog
	Reporter      Reporter
}

// ManagerDeps captures optional dependencies for the session manager.
type ManagerDeps struct {
	Adapter   *persist.Adapter
	EventSink EventSink
	Hooks     Hooks
	Logger    pslog.Logger
}

func (h Hooks) withDefaults() Hooks {
	if h.LeaveChecker == nil {
		h.LeaveChecker = allowLeave{}
	}
	if h.Navigator == nil {
		h.Navigator = &RouteTracker{}
	}
	if h.Reporter == nil {
		h.Reporter = LogReporter{}
	}
	return h
}
