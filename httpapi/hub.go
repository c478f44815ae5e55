package httpapi

import (
	"context"
	"sync"
	"time"

	"pkt.systems/tabkeeper/internal/logx"
	"pkt.systems/tabkeeper/schema"
)

// StreamEvent is sent to SSE clients.
type StreamEvent struct {
	Seq           uint64                  `json:"seq"`
	Type          string                  `json:"type"`
	TabEvent      schema.TabEventType     `json:"tab_event,omitempty"`
	Tab           *schema.Tab             `json:"tab,omitempty"`
	SelectedIndex int                     `json:"selected_index"`
	Route         *schema.Route           `json:"route,omitempty"`
	Decision      *schema.PendingDecision `json:"decision,omitempty"`
	Snapshot      *schema.CollectionView  `json:"snapshot,omitempty"`
	Timestamp     time.Time               `json:"timestamp"`
}

// Hub broadcasts events per storage key and keeps a bounded replay history.
type Hub struct {
	mu          sync.Mutex
	keys        map[schema.StorageKey]*keyHub
	historySize int
}

// NewHub constructs a hub with the given history size.
func NewHub(historySize int) *Hub {
	if historySize <= 0 {
		historySize = 64
	}
	return &Hub{
		keys:        make(map[schema.StorageKey]*keyHub),
		historySize: historySize,
	}
}

// OnTabEvent implements core.EventSink.
func (h *Hub) OnTabEvent(event schema.TabEvent) {
	log := logx.WithKeyTab(context.Background(), event.StorageKey, event.Tab.ID)
	log.Trace("hub tab event", "type", event.Type, "selected", event.SelectedIndex)
	tab := event.Tab
	stream := StreamEvent{
		Type:          "tab",
		TabEvent:      event.Type,
		SelectedIndex: event.SelectedIndex,
		Route:         event.Route,
		Decision:      event.Decision,
		Timestamp:     time.Now(),
	}
	if tab.ID != "" {
		stream.Tab = &tab
	}
	h.publish(event.StorageKey, stream)
}

// Subscribe registers a subscriber for a storage key.
func (h *Hub) Subscribe(key schema.StorageKey) (<-chan StreamEvent, func(), uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	kh := h.getOrCreateLocked(key)
	ch := make(chan StreamEvent, 256)
	kh.subs[ch] = struct{}{}
	seq := kh.seq
	log := logx.WithStorageKey(context.Background(), key)
	log.Info("hub subscribe", "subs", len(kh.subs), "history", len(kh.history))
	var once sync.Once
	unsub := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(kh.subs, ch)
			close(ch)
			remaining := len(kh.subs)
			h.mu.Unlock()
			log.Info("hub unsubscribe", "subs", remaining)
		})
	}
	return ch, unsub, seq
}

// Replay returns events after the provided seq.
func (h *Hub) Replay(key schema.StorageKey, after uint64) []StreamEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	kh := h.keys[key]
	if kh == nil {
		return nil
	}
	events := make([]StreamEvent, 0, len(kh.history))
	for _, event := range kh.history {
		if event.Seq > after {
			events = append(events, event)
		}
	}
	logx.WithStorageKey(context.Background(), key).Debug("hub replay", "after", after, "count", len(events))
	return events
}

// Seq returns the last sequence number published for key.
func (h *Hub) Seq(key schema.StorageKey) uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if kh := h.keys[key]; kh != nil {
		return kh.seq
	}
	return 0
}

func (h *Hub) publish(key schema.StorageKey, event StreamEvent) {
	h.mu.Lock()
	kh := h.getOrCreateLocked(key)
	kh.seq++
	event.Seq = kh.seq
	kh.history = append(kh.history, event)
	if len(kh.history) > h.historySize {
		kh.history = kh.history[len(kh.history)-h.historySize:]
	}
	dropped := 0
	for sub := range kh.subs {
		select {
		case sub <- event:
		default:
			dropped++
		}
	}
	h.mu.Unlock()

	if dropped > 0 {
		logx.WithStorageKey(context.Background(), key).Warn("hub event dropped", "type", event.Type, "dropped", dropped)
	}
}

func (h *Hub) getOrCreateLocked(key schema.StorageKey) *keyHub {
	kh := h.keys[key]
	if kh == nil {
		kh = &keyHub{
			subs: make(map[chan StreamEvent]struct{}),
		}
		h.keys[key] = kh
	}
	return kh
}

type keyHub struct {
	seq     uint64
	history []StreamEvent
	subs    map[chan StreamEvent]struct{}
}
