package schema

// StorageKey namespaces one independent tab collection in storage.
type StorageKey string

// DefaultStorageKey is used when the host does not provide a storage key.
const DefaultStorageKey StorageKey = "DEFAULT_TAB_STORAGE_KEY"

// TabID identifies a tab for its whole lifetime.
type TabID string

// TabType discriminates tab content variants.
type TabType string

// ResourceIDParam is the params key carrying the resource a tab edits.
const ResourceIDParam = "resourceId"

// MaxTabLimit bounds every tab collection.
const MaxTabLimit = 15

// NoSelection marks an empty selection.
const NoSelection = -1

// Tab is one open unit of work.
type Tab struct {
	ID          TabID             `json:"id"`
	Title       string            `json:"title"`
	Pathname    string            `json:"pathname"`
	Params      map[string]string `json:"params,omitempty"`
	Type        TabType           `json:"type,omitempty"`
	IsFixed     bool              `json:"isFixed,omitempty"`
	HasChanged  bool              `json:"hasChanged,omitempty"`
	Extends     map[string]any    `json:"extends,omitempty"`
	BaseContent any               `json:"baseContent,omitempty"`
}

// ResourceID returns the resource identifier carried in params.
func (t Tab) ResourceID() string {
	if t.Params == nil {
		return ""
	}
	return t.Params[ResourceIDParam]
}

// Route returns the navigation target of the tab.
func (t Tab) Route() Route {
	return Route{Pathname: t.Pathname, Params: t.Params}
}

// Phase reports the lifecycle state derived from the dirty flag.
func (t Tab) Phase() TabPhase {
	if t.HasChanged {
		return TabPhaseDirty
	}
	return TabPhaseOpen
}

// Clone returns a copy whose maps can be mutated independently.
func (t Tab) Clone() Tab {
	out := t
	if t.Params != nil {
		out.Params = make(map[string]string, len(t.Params))
		for k, v := range t.Params {
			out.Params[k] = v
		}
	}
	if t.Extends != nil {
		out.Extends = make(map[string]any, len(t.Extends))
		for k, v := range t.Extends {
			out.Extends[k] = v
		}
	}
	return out
}

// TabPhase is the per-tab lifecycle state.
type TabPhase string

const (
	// TabPhaseOpen indicates a clean, open tab.
	TabPhaseOpen TabPhase = "open"
	// TabPhaseDirty indicates a tab with unsaved changes.
	TabPhaseDirty TabPhase = "dirty"
)

// TabTemplate describes a basic tab used for seeding and route synthesis.
type TabTemplate struct {
	Title    string            `json:"title" mapstructure:"title" yaml:"title"`
	Pathname string            `json:"pathname" mapstructure:"pathname" yaml:"pathname"`
	Type     TabType           `json:"type,omitempty" mapstructure:"type" yaml:"type,omitempty"`
	Params   map[string]string `json:"params,omitempty" mapstructure:"params" yaml:"params,omitempty"`
}

// Route identifies a navigation target.
type Route struct {
	Pathname string            `json:"pathname"`
	Params   map[string]string `json:"params,omitempty"`
}

// Equal reports whether both routes resolve to the same location.
func (r Route) Equal(other Route) bool {
	if r.Pathname != other.Pathname {
		return false
	}
	if len(r.Params) != len(other.Params) {
		return false
	}
	for k, v := range r.Params {
		if ov, ok := other.Params[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

// ResourceID returns the resource identifier carried in route params.
func (r Route) ResourceID() string {
	if r.Params == nil {
		return ""
	}
	return r.Params[ResourceIDParam]
}
