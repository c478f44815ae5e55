package version

import (
	"runtime"
	"runtime/debug"
	"strings"
	"testing"
	"time"
)

func TestCurrentPrefersBuildVersion(t *testing.T) {
	old := buildVersion
	buildVersion = "v1.2.3+dirty"
	t.Cleanup(func() { buildVersion = old })

	if got := Current(); got != "v1.2.3" {
		t.Fatalf("expected build version without dirty suffix, got %q", got)
	}
	info := Describe()
	if info.Version != "v1.2.3+dirty" {
		t.Fatalf("expected describe to keep dirty suffix, got %q", info.Version)
	}
	if info.GoVersion != runtime.Version() {
		t.Fatalf("unexpected go version %q", info.GoVersion)
	}
	if info.Module == "" {
		t.Fatalf("expected module path")
	}
}

func TestPseudoFromBuildInfo(t *testing.T) {
	ts := time.Date(2025, time.January, 2, 3, 4, 5, 0, time.UTC)
	info := &debug.BuildInfo{
		Settings: []debug.BuildSetting{
			{Key: "vcs.revision", Value: "1234567890abcdef"},
			{Key: "vcs.time", Value: ts.Format(time.RFC3339)},
			{Key: "vcs.modified", Value: "true"},
		},
	}
	got := pseudoFromBuildInfo(info, true)
	if !strings.HasPrefix(got, "v0.0.0-20250102030405-1234567890ab") {
		t.Fatalf("unexpected version prefix: %q", got)
	}
	if !strings.HasSuffix(got, "+dirty") {
		t.Fatalf("expected dirty suffix, got %q", got)
	}
	if clean := pseudoFromBuildInfo(info, false); strings.HasSuffix(clean, "+dirty") {
		t.Fatalf("expected no dirty suffix, got %q", clean)
	}
	if pseudoFromBuildInfo(nil, true) != "" {
		t.Fatalf("expected empty version for nil build info")
	}
}
