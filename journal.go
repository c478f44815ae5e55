package tabkeeper

import (
	"context"

	"pkt.systems/tabkeeper/internal/eventbus"
	"pkt.systems/tabkeeper/internal/logx"
	"pkt.systems/tabkeeper/schema"
)

// runJournal logs tab events until ctx is done. ready is closed once the
// subscription is in place.
func runJournal(ctx context.Context, bus *eventbus.Bus, ready chan<- struct{}) {
	events, cancel := bus.Subscribe(eventbus.AllKeys)
	defer cancel()
	close(ready)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			logJournalEvent(ctx, event)
		}
	}
}

func logJournalEvent(ctx context.Context, event schema.TabEvent) {
	log := logx.WithKeyTab(ctx, event.StorageKey, event.Tab.ID)
	fields := []any{"type", event.Type, "selected", event.SelectedIndex}
	if event.Tab.Pathname != "" {
		fields = append(fields, "pathname", event.Tab.Pathname)
	}
	if event.Decision != nil {
		fields = append(fields, "decision", event.Decision.ID)
	}
	switch event.Type {
	case schema.TabEventNavigate, schema.TabEventSelected:
		log.Debug("journal tab event", fields...)
	default:
		log.Info("journal tab event", fields...)
	}
}
