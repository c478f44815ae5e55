package core

import "pkt.systems/tabkeeper/schema"

// EventSink receives tab events from sessions.
type EventSink interface {
	OnTabEvent(event schema.TabEvent)
}

type nopSink struct{}

func (nopSink) OnTabEvent(schema.TabEvent) {}
