package httpapi

import (
	"testing"

	"pkt.systems/tabkeeper/schema"
)

func TestHubReplayAndHistoryBound(t *testing.T) {
	hub := NewHub(2)
	for i := 0; i < 3; i++ {
		hub.OnTabEvent(schema.TabEvent{StorageKey: "a", Type: schema.TabEventCreated, Tab: schema.Tab{ID: schema.TabID(string(rune('x' + i)))}})
	}
	hub.OnTabEvent(schema.TabEvent{StorageKey: "b", Type: schema.TabEventClosed})
	if hub.Seq("a") != 3 || hub.Seq("b") != 1 {
		t.Fatalf("unexpected seqs: a=%d b=%d", hub.Seq("a"), hub.Seq("b"))
	}
	replay := hub.Replay("a", 0)
	if len(replay) != 2 {
		t.Fatalf("expected bounded history of 2, got %d", len(replay))
	}
	if replay[0].Seq != 2 || replay[1].Tab.ID != "z" {
		t.Fatalf("unexpected replay: %+v", replay)
	}
	if got := hub.Replay("a", 2); len(got) != 1 || got[0].Seq != 3 {
		t.Fatalf("unexpected replay after 2: %+v", got)
	}
	if got := hub.Replay("missing", 0); got != nil {
		t.Fatalf("expected nil replay for unknown key")
	}
}

func TestHubSubscribeReceivesOwnKey(t *testing.T) {
	hub := NewHub(4)
	ch, unsubscribe, seq := hub.Subscribe("a")
	if seq != 0 {
		t.Fatalf("expected seq 0, got %d", seq)
	}
	hub.OnTabEvent(schema.TabEvent{StorageKey: "b", Type: schema.TabEventCreated})
	hub.OnTabEvent(schema.TabEvent{StorageKey: "a", Type: schema.TabEventSelected, SelectedIndex: 2})
	event := <-ch
	if event.TabEvent != schema.TabEventSelected || event.SelectedIndex != 2 || event.Tab != nil {
		t.Fatalf("unexpected event: %+v", event)
	}
	unsubscribe()
	unsubscribe()
	if _, ok := <-ch; ok {
		t.Fatalf("expected closed channel")
	}
}
