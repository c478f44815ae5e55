package schema

// TabState is the storage-ready representation of a tab collection.
type TabState struct {
	Order         []TabID       `json:"order"`
	ByID          map[TabID]Tab `json:"byId"`
	SelectedIndex int           `json:"selectedIndex"`
}

// Len reports the number of ordered tabs.
func (s TabState) Len() int {
	return len(s.Order)
}

// Tabs returns tabs in display order, skipping orphaned ids.
func (s TabState) Tabs() []Tab {
	out := make([]Tab, 0, len(s.Order))
	for _, id := range s.Order {
		tab, ok := s.ByID[id]
		if !ok {
			continue
		}
		out = append(out, tab)
	}
	return out
}

// CollectionView is a read-only view of a session for transports.
type CollectionView struct {
	StorageKey    StorageKey `json:"storage_key"`
	Tabs          []Tab      `json:"tabs"`
	SelectedIndex int        `json:"selected_index"`
	Current       *Tab       `json:"current,omitempty"`
	Limit         int        `json:"limit"`
}
