package tabkeeper

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/tabkeeper/core"
	"pkt.systems/tabkeeper/internal/eventbus"
	"pkt.systems/tabkeeper/schema"
)

func TestNewRequiresAComponent(t *testing.T) {
	if _, err := New(ServerConfig{Service: schema.ServiceConfig{Backend: schema.StorageBackendMemory}}, ServerDeps{}); err == nil {
		t.Fatalf("expected error without components")
	}
}

func TestNewRejectsInvalidLeaveRule(t *testing.T) {
	cfg := ServerConfig{Service: schema.ServiceConfig{Backend: schema.StorageBackendMemory, LeaveRule: "tab.("}}
	if _, err := New(cfg, ServerDeps{}, WithEventJournal()); err == nil {
		t.Fatalf("expected leave rule compile error")
	}
}

func TestLeaveRuleGuardsSessions(t *testing.T) {
	cfg := ServerConfig{Service: schema.ServiceConfig{
		Backend:   schema.StorageBackendMemory,
		LeaveRule: "!hasTarget || tab.extends.pinned != true",
	}}
	srv, err := New(cfg, ServerDeps{}, WithEventJournal())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	manager := srv.(*compositeServer).manager.(*core.Manager)
	ctx := context.Background()
	session, err := manager.Open(ctx, "workspace")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	tab, ok, err := session.NewTab(ctx, "")
	if err != nil || !ok {
		t.Fatalf("expected first tab, ok=%v err=%v", ok, err)
	}
	if _, err := session.UpdatePartial(ctx, tab.ID, schema.TabPatch{Extends: map[string]any{"pinned": true}}); err != nil {
		t.Fatalf("UpdatePartial: %v", err)
	}
	if _, ok, err := session.NewTab(ctx, ""); err != nil || ok {
		t.Fatalf("expected pinned scratch tab to block new tab, ok=%v err=%v", ok, err)
	}
	if got := len(session.View().Tabs); got != 1 {
		t.Fatalf("expected collection unchanged, got %d tabs", got)
	}

	changed := true
	if _, err := session.UpdatePartial(ctx, tab.ID, schema.TabPatch{HasChanged: &changed}); err != nil {
		t.Fatalf("UpdatePartial: %v", err)
	}
	if _, ok, err := session.NewTab(ctx, ""); err != nil || !ok {
		t.Fatalf("expected new tab next to the fixed dirty tab, ok=%v err=%v", ok, err)
	}
	if _, ok := session.Get(tab.ID); !ok {
		t.Fatalf("expected dirty tab to survive")
	}
	if got := len(session.View().Tabs); got != 2 {
		t.Fatalf("expected 2 tabs, got %d", got)
	}
}

func TestServerStopClosesSessionsOnce(t *testing.T) {
	manager := &trackingManager{}
	ctx, cancel := context.WithCancel(context.Background())
	server := &compositeServer{
		manager: manager,
		ctx:     ctx,
		cancel:  cancel,
		started: true,
	}
	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
	defer stopCancel()
	if err := server.Stop(stopCtx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := server.Stop(stopCtx); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if manager.unloaded != 1 || manager.closed != 1 {
		t.Fatalf("expected one unload and close, got unload=%d close=%d", manager.unloaded, manager.closed)
	}
	select {
	case <-ctx.Done():
	default:
		t.Fatalf("expected server context to be canceled")
	}
}

func TestStopBeforeStartIsNoop(t *testing.T) {
	manager := &trackingManager{}
	server := &compositeServer{manager: manager}
	if err := server.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if manager.closed != 0 {
		t.Fatalf("expected no close before start")
	}
	if err := server.Wait(); err == nil {
		t.Fatalf("expected Wait to fail before start")
	}
}

func TestJournalLogsTabEvents(t *testing.T) {
	buf := &syncBuffer{}
	logger := pslog.NewWithOptions(buf, pslog.Options{
		Mode:          pslog.ModeStructured,
		NoColor:       true,
		MinLevel:      pslog.InfoLevel,
		VerboseFields: true,
	})
	ctx, cancel := context.WithCancel(pslog.ContextWithLogger(context.Background(), logger))
	defer cancel()
	bus := eventbus.New(logger)
	ready := make(chan struct{})
	done := make(chan struct{})
	go func() {
		runJournal(ctx, bus, ready)
		close(done)
	}()
	<-ready

	bus.OnTabEvent(schema.TabEvent{
		StorageKey: "workspace",
		Type:       schema.TabEventSaveRequested,
		Tab:        schema.Tab{ID: "tab-1", Pathname: "/api/detail"},
	})
	deadline := time.Now().Add(2 * time.Second)
	for !strings.Contains(buf.String(), "journal tab event") {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for journal line, got %q", buf.String())
		}
		time.Sleep(5 * time.Millisecond)
	}
	out := buf.String()
	for _, want := range []string{"save_requested", "workspace", "tab-1"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in journal output %q", want, out)
		}
	}
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("journal did not stop")
	}
}

func TestEventFanoutDeliversToEverySink(t *testing.T) {
	first := eventbus.New(nil)
	second := eventbus.New(nil)
	ch1, cancel1 := first.Subscribe(eventbus.AllKeys)
	defer cancel1()
	ch2, cancel2 := second.Subscribe("k")
	defer cancel2()
	fanout := eventFanout{sinks: []core.EventSink{first, nil, second}}
	fanout.OnTabEvent(schema.TabEvent{StorageKey: "k", Type: schema.TabEventClosed})
	for _, ch := range []<-chan schema.TabEvent{ch1, ch2} {
		select {
		case event := <-ch:
			if event.Type != schema.TabEventClosed {
				t.Fatalf("unexpected event %+v", event)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for fanout")
		}
	}
}

func TestServerStopUnloadsAfterHTTPShutdown(t *testing.T) {
	httpDone := make(chan struct{})
	manager := &trackingManager{httpDone: httpDone}
	ctx, cancel := context.WithCancel(context.Background())
	server := &compositeServer{
		manager:  manager,
		ctx:      ctx,
		cancel:   cancel,
		httpDone: httpDone,
		started:  true,
	}
	go func() {
		<-ctx.Done()
		time.Sleep(20 * time.Millisecond)
		close(httpDone)
	}()
	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
	defer stopCancel()
	if err := server.Stop(stopCtx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if manager.unloaded != 1 || manager.closed != 1 {
		t.Fatalf("expected one unload and close, got unload=%d close=%d", manager.unloaded, manager.closed)
	}
	if manager.unloadedBeforeHTTP {
		t.Fatalf("expected sessions to unload after the http server returned")
	}
}

func TestServerStopUnloadsWhenShutdownTimesOut(t *testing.T) {
	manager := &trackingManager{}
	ctx, cancel := context.WithCancel(context.Background())
	server := &compositeServer{
		manager:  manager,
		ctx:      ctx,
		cancel:   cancel,
		httpDone: make(chan struct{}),
		started:  true,
	}
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer stopCancel()
	if err := server.Stop(stopCtx); err != context.DeadlineExceeded {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if manager.unloaded != 1 || manager.closed != 1 {
		t.Fatalf("expected sessions unloaded despite timeout, got unload=%d close=%d", manager.unloaded, manager.closed)
	}
}

type trackingManager struct {
	unloaded int
	closed   int

	httpDone           chan struct{}
	unloadedBeforeHTTP bool
}

func (m *trackingManager) Unload(context.Context) {
	m.unloaded++
	if m.httpDone == nil {
		return
	}
	select {
	case <-m.httpDone:
	default:
		m.unloadedBeforeHTTP = true
	}
}

func (m *trackingManager) Close(context.Context) error {
	m.closed++
	return nil
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
