package schema

import "time"

// Choice is the user's answer to a leave confirmation.
type Choice string

const (
	// ChoiceCancel aborts the pending operation.
	ChoiceCancel Choice = "cancel"
	// ChoiceDiscard closes the tab without saving.
	ChoiceDiscard Choice = "discard"
	// ChoiceSave saves the tab content before closing.
	ChoiceSave Choice = "save"
)

// ChoiceStyle hints how a choice is presented.
type ChoiceStyle string

const (
	// ChoiceStyleDefault renders a plain button.
	ChoiceStyleDefault ChoiceStyle = "default"
	// ChoiceStylePrimary renders the preferred button.
	ChoiceStylePrimary ChoiceStyle = "primary"
)

// PromptOption is one selectable choice of a prompt.
type PromptOption struct {
	Label  string      `json:"label"`
	Style  ChoiceStyle `json:"style"`
	Choice Choice      `json:"choice"`
}

// Prompt is what the dialog collaborator shows to the user.
type Prompt struct {
	Title   string         `json:"title"`
	Body    string         `json:"body"`
	Options []PromptOption `json:"options"`
}

// Allows reports whether choice is offered by the prompt.
func (p Prompt) Allows(choice Choice) bool {
	for _, opt := range p.Options {
		if opt.Choice == choice {
			return true
		}
	}
	return false
}

// UnsavedChangesPrompt is presented before closing a dirty tab.
func UnsavedChangesPrompt() Prompt {
	return Prompt{
		Title: "Do you want to save the changes?",
		Body:  "Your changes will be lost if you don't save them.",
		Options: []PromptOption{
			{Label: "Cancel", Style: ChoiceStyleDefault, Choice: ChoiceCancel},
			{Label: "Don't Save", Style: ChoiceStyleDefault, Choice: ChoiceDiscard},
			{Label: "Save", Style: ChoiceStylePrimary, Choice: ChoiceSave},
		},
	}
}

// DecisionID identifies a pending leave decision.
type DecisionID string

// PendingDecision is the first phase of a leave confirmation.
type PendingDecision struct {
	ID        DecisionID `json:"id"`
	TabID     TabID      `json:"tab_id,omitempty"`
	Prompt    Prompt     `json:"prompt"`
	CreatedAt time.Time  `json:"created_at"`
	Resolved  bool       `json:"resolved"`
	Choice    Choice     `json:"choice,omitempty"`
}

// CloseStatus reports what happened to a close request.
type CloseStatus string

const (
	// CloseStatusClosed indicates the tab was removed.
	CloseStatusClosed CloseStatus = "closed"
	// CloseStatusDeclined indicates the leave guard rejected the close.
	CloseStatusDeclined CloseStatus = "declined"
	// CloseStatusPending indicates the close waits for a decision.
	CloseStatusPending CloseStatus = "pending"
	// CloseStatusCanceled indicates the user canceled a pending close.
	CloseStatusCanceled CloseStatus = "canceled"
)

// CloseOutcome is the result of a close request.
type CloseOutcome struct {
	Status   CloseStatus      `json:"status"`
	Tab      Tab              `json:"tab"`
	Decision *PendingDecision `json:"decision,omitempty"`
}
