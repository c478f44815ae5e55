package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"pkt.systems/tabkeeper/internal/persist"
	"pkt.systems/tabkeeper/schema"
)

func runRoot(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

type recordingServer struct {
	calls      []string
	stopCtxErr error
}

func (s *recordingServer) Start(context.Context) error {
	s.calls = append(s.calls, "start")
	return nil
}

func (s *recordingServer) Wait() error {
	s.calls = append(s.calls, "wait")
	return nil
}

func (s *recordingServer) Stop(ctx context.Context) error {
	s.calls = append(s.calls, "stop")
	s.stopCtxErr = ctx.Err()
	return nil
}

func TestRunServerStopsBeforeReturning(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	server := &recordingServer{}
	if err := runServer(ctx, server, time.Second); err != nil {
		t.Fatalf("runServer: %v", err)
	}
	if got := strings.Join(server.calls, ","); got != "start,wait,stop" {
		t.Fatalf("unexpected call order %s", got)
	}
	if server.stopCtxErr != nil {
		t.Fatalf("expected a live stop context after the run context was canceled")
	}
}

func TestRootCommands(t *testing.T) {
	root := newRootCmd()
	want := map[string]bool{"serve": false, "config": false, "state": false, "version": false}
	for _, cmd := range root.Commands() {
		if _, ok := want[cmd.Name()]; ok {
			want[cmd.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Fatalf("expected root command to include %s", name)
		}
	}
}

func TestConfigInitAndShow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if _, err := runRoot(t, "config", "init", "-c", path); err != nil {
		t.Fatalf("config init: %v", err)
	}
	if _, err := runRoot(t, "config", "init", "-c", path); err == nil {
		t.Fatalf("expected init to refuse overwrite")
	}
	out, err := runRoot(t, "config", "show", "-c", path)
	if err != nil {
		t.Fatalf("config show: %v", err)
	}
	for _, want := range []string{"config_version: 1", "tab_limit: 15", "DEFAULT_TAB_STORAGE_KEY"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in output:\n%s", want, out)
		}
	}
}

func TestStateShowAndClear(t *testing.T) {
	dir := t.TempDir()
	stateDir := filepath.Join(dir, "state")
	cfgPath := filepath.Join(dir, "config.yaml")
	content := "config_version: 1\nstate_dir: " + stateDir + "\nstorage:\n  backend: file\n"
	if err := os.WriteFile(cfgPath, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	backend, err := persist.NewFileBackend(stateDir)
	if err != nil {
		t.Fatalf("file backend: %v", err)
	}
	adapter := persist.NewAdapter(backend, nil)
	state := schema.TabState{
		Order:         []schema.TabID{"tab-1"},
		ByID:          map[schema.TabID]schema.Tab{"tab-1": {ID: "tab-1", Title: "Home", Pathname: "/home", IsFixed: true}},
		SelectedIndex: 0,
	}
	if err := adapter.Save("workspace", state); err != nil {
		t.Fatalf("save: %v", err)
	}

	out, err := runRoot(t, "state", "list", "-c", cfgPath)
	if err != nil {
		t.Fatalf("state list: %v", err)
	}
	if strings.TrimSpace(out) != "workspace" {
		t.Fatalf("unexpected list output %q", out)
	}
	out, err = runRoot(t, "state", "show", "workspace", "-c", cfgPath)
	if err != nil {
		t.Fatalf("state show: %v", err)
	}
	if !strings.Contains(out, `"tab-1"`) || !strings.Contains(out, `"/home"`) {
		t.Fatalf("unexpected show output:\n%s", out)
	}
	if _, err := runRoot(t, "state", "clear", "workspace", "-c", cfgPath); err != nil {
		t.Fatalf("state clear: %v", err)
	}
	if _, err := runRoot(t, "state", "show", "workspace", "-c", cfgPath); err == nil {
		t.Fatalf("expected show to fail after clear")
	}
	if _, err := runRoot(t, "state", "show", "bad key", "-c", cfgPath); err == nil {
		t.Fatalf("expected invalid storage key error")
	}
}

func TestVersionCommand(t *testing.T) {
	out, err := runRoot(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if strings.TrimSpace(out) == "" {
		t.Fatalf("expected version output")
	}
}
