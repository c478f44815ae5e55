package schema

// Navigation.

// NavigationEvent reports a completed navigation.
type NavigationEvent struct {
	URL      string            `json:"url,omitempty"`
	Pathname string            `json:"pathname"`
	Params   map[string]string `json:"params,omitempty"`
}

// Route returns the route the navigation landed on.
func (e NavigationEvent) Route() Route {
	return Route{Pathname: e.Pathname, Params: e.Params}
}

// NavigationRequest asks the navigation collaborator to change route.
type NavigationRequest struct {
	StorageKey StorageKey        `json:"storage_key"`
	TabID      TabID             `json:"tab_id"`
	Pathname   string            `json:"pathname"`
	Params     map[string]string `json:"params,omitempty"`
}

// Tab operations.

// TabPatch carries a partial tab update. Nil fields are left unchanged.
type TabPatch struct {
	Title       *string           `json:"title,omitempty"`
	Pathname    *string           `json:"pathname,omitempty"`
	Params      map[string]string `json:"params,omitempty"`
	Type        *TabType          `json:"type,omitempty"`
	IsFixed     *bool             `json:"isFixed,omitempty"`
	HasChanged  *bool             `json:"hasChanged,omitempty"`
	Extends     map[string]any    `json:"extends,omitempty"`
	BaseContent any               `json:"baseContent,omitempty"`
}

// TabOperation names a bulk close action.
type TabOperation string

const (
	// OperationCloseCurrent closes the target tab.
	OperationCloseCurrent TabOperation = "closeCurrent"
	// OperationCloseOthers closes every tab except the target.
	OperationCloseOthers TabOperation = "closeOthers"
	// OperationCloseAll closes every tab.
	OperationCloseAll TabOperation = "closeAll"
	// OperationCloseToRight closes tabs after the target.
	OperationCloseToRight TabOperation = "closeToRight"
	// OperationCloseToLeft closes tabs before the target.
	OperationCloseToLeft TabOperation = "closeToLeft"
)

// BatchResult reports a batch close.
type BatchResult struct {
	Closed   []TabID `json:"closed"`
	Missing  []TabID `json:"missing,omitempty"`
	Selected int     `json:"selected_index"`
}

// HTTP payloads.

// NewTabRequest opens a default tab.
type NewTabRequest struct {
	Key string `json:"key,omitempty"`
}

// SelectRequest selects a tab by index.
type SelectRequest struct {
	Index int `json:"index"`
}

// ResolveDecisionRequest answers a pending leave decision.
type ResolveDecisionRequest struct {
	Choice Choice `json:"choice"`
}

// BatchCloseRequest closes many tabs at once.
type BatchCloseRequest struct {
	IDs []TabID `json:"ids"`
}

// OperateRequest runs a bulk close action.
type OperateRequest struct {
	Action TabOperation `json:"action"`
	ID     TabID        `json:"id,omitempty"`
}
