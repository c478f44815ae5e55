package schema

// TabEventType describes tab lifecycle or state changes.
type TabEventType string

const (
	// TabEventCreated indicates a tab was opened.
	TabEventCreated TabEventType = "created"
	// TabEventUpdated indicates tab fields changed.
	TabEventUpdated TabEventType = "updated"
	// TabEventSelected indicates the selection moved.
	TabEventSelected TabEventType = "selected"
	// TabEventClosed indicates a tab was removed.
	TabEventClosed TabEventType = "closed"
	// TabEventDiscarded indicates a dirty tab was closed without saving.
	TabEventDiscarded TabEventType = "discarded"
	// TabEventSaveRequested asks the content owner to save before the tab closes.
	TabEventSaveRequested TabEventType = "save_requested"
	// TabEventNavigate asks the host to navigate to a tab route.
	TabEventNavigate TabEventType = "navigate"
	// TabEventRestored indicates a session was initialized from storage or seeds.
	TabEventRestored TabEventType = "restored"
	// TabEventLeavePending indicates a close waits for a user decision.
	TabEventLeavePending TabEventType = "leave_pending"
)

// TabEvent represents a change to a tab or tab collection.
type TabEvent struct {
	StorageKey    StorageKey       `json:"storage_key"`
	Type          TabEventType     `json:"type"`
	Tab           Tab              `json:"tab"`
	SelectedIndex int              `json:"selected_index"`
	Route         *Route           `json:"route,omitempty"`
	Decision      *PendingDecision `json:"decision,omitempty"`
}
