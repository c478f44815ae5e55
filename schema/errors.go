package schema

import "errors"

var (
	// ErrInvalidRequest indicates a malformed request payload.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrInvalidStorageKey indicates an unusable storage key.
	ErrInvalidStorageKey = errors.New("invalid storage key")
	// ErrLimitExceeded indicates the collection already holds the maximum number of tabs.
	ErrLimitExceeded = errors.New("tab limit exceeded")
	// ErrIndexOutOfRange indicates a tab index outside the collection.
	ErrIndexOutOfRange = errors.New("tab index out of range")
	// ErrTabNotFound indicates a requested tab could not be found.
	ErrTabNotFound = errors.New("tab not found")
	// ErrDuplicateTab indicates a tab id is already present.
	ErrDuplicateTab = errors.New("tab already exists")
	// ErrScratchOccupied indicates another non-fixed tab already holds the scratch slot.
	ErrScratchOccupied = errors.New("scratch tab already exists")
	// ErrPersistenceUnavailable indicates durable storage could not be read or written.
	ErrPersistenceUnavailable = errors.New("persistence unavailable")
	// ErrUnknownOperation indicates an unsupported bulk close action.
	ErrUnknownOperation = errors.New("unknown tab operation")
	// ErrDecisionNotFound indicates a leave decision is unknown or already resolved.
	ErrDecisionNotFound = errors.New("decision not found")
	// ErrInvalidChoice indicates a dialog choice outside the offered set.
	ErrInvalidChoice = errors.New("invalid choice")
	// ErrSessionDisposed indicates the session was disposed.
	ErrSessionDisposed = errors.New("session disposed")
)
