package eventbus

import (
	"context"
	"sync"
	"sync/atomic"

	"pkt.systems/pslog"
	"pkt.systems/tabkeeper/schema"
)

// AllKeys subscribes to events of every storage key.
const AllKeys schema.StorageKey = ""

// Bus fans tab events out to per-key subscribers.
type Bus struct {
	mu      sync.Mutex
	subs    map[schema.StorageKey]map[chan schema.TabEvent]struct{}
	log     pslog.Logger
	depth   int
	dropped atomic.Uint64
}

// New constructs a Bus.
func New(logger pslog.Logger) *Bus {
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Bus{
		subs:  make(map[schema.StorageKey]map[chan schema.TabEvent]struct{}),
		log:   logger,
		depth: 256,
	}
}

// Subscribe registers a subscriber for key (AllKeys for every key) and
// returns a channel + cancel.
func (b *Bus) Subscribe(key schema.StorageKey) (<-chan schema.TabEvent, func()) {
	if b == nil {
		return nil, func() {}
	}
	ch := make(chan schema.TabEvent, b.depth)
	b.mu.Lock()
	keySubs := b.subs[key]
	if keySubs == nil {
		keySubs = make(map[chan schema.TabEvent]struct{})
		b.subs[key] = keySubs
	}
	keySubs[ch] = struct{}{}
	count := len(keySubs)
	b.mu.Unlock()
	if b.log != nil {
		b.log.With("storage_key", key).Debug("eventbus subscribe", "subs", count)
	}
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			if subs := b.subs[key]; subs != nil {
				delete(subs, ch)
				if len(subs) == 0 {
					delete(b.subs, key)
				}
			}
			b.mu.Unlock()
			close(ch)
			if b.log != nil {
				b.log.With("storage_key", key).Debug("eventbus unsubscribe")
			}
		})
	}
}

// OnTabEvent publishes a tab event.
func (b *Bus) OnTabEvent(event schema.TabEvent) {
	b.publish(event)
}

// Dropped reports how many deliveries were skipped because a subscriber was full.
func (b *Bus) Dropped() uint64 {
	if b == nil {
		return 0
	}
	return b.dropped.Load()
}

func (b *Bus) publish(event schema.TabEvent) {
	if b == nil {
		return
	}
	b.mu.Lock()
	subs := make([]chan schema.TabEvent, 0, len(b.subs[event.StorageKey])+len(b.subs[AllKeys]))
	for sub := range b.subs[event.StorageKey] {
		subs = append(subs, sub)
	}
	if event.StorageKey != AllKeys {
		for sub := range b.subs[AllKeys] {
			subs = append(subs, sub)
		}
	}
	// Deliver under the lock so cancel cannot close a channel mid-send.
	dropped := 0
	for _, sub := range subs {
		select {
		case sub <- event:
		default:
			dropped++
		}
	}
	b.mu.Unlock()
	if dropped > 0 {
		b.dropped.Add(uint64(dropped))
		if b.log != nil {
			b.log.With("storage_key", event.StorageKey).Trace("eventbus dropped", "count", dropped)
		}
	}
}
