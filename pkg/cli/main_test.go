package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nimburion/jobstore/pkg/config"
	"github.com/nimburion/jobstore/pkg/jobstore"
	"github.com/nimburion/jobstore/pkg/jobstore/kvstore"
	"github.com/nimburion/jobstore/pkg/kv/memory"
	"github.com/nimburion/jobstore/pkg/observability/logger"
	"gopkg.in/yaml.v3"
)

// sharedMemory hands every command invocation a fresh backend over the same
// in-process dataset, the way separate CLI runs share one redis server.
func sharedMemory(t *testing.T) BackendFactory {
	t.Helper()
	client := memory.New()
	return func(cfg config.StoreConfig, log logger.Logger) (jobstore.Backend, error) {
		return kvstore.New(client.Connection(), log, kvstore.Config{
			Name:   "memory",
			Prefix: cfg.Prefix,
			Policy: cfg.Policy(),
		})
	}
}

func runCommand(t *testing.T, factory BackendFactory, args ...string) (string, error) {
	t.Helper()
	t.Setenv("JOBSTORE_LOG_LEVEL", "error")
	cmd := NewRootCommand(CommandOptions{Name: "jobstore", BackendFactory: factory})
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRootCommand_RegistersSubcommands(t *testing.T) {
	cmd := NewRootCommand(CommandOptions{})
	for _, name := range []string{"version", "config", "count", "available", "show", "enqueue", "clear-locks", "relearn", "purge", "healthcheck"} {
		found, _, err := cmd.Find([]string{name})
		if err != nil || found == nil || found.Name() != name {
			t.Fatalf("expected %s command, got %v (%v)", name, found, err)
		}
	}
	for _, flag := range []string{"config-file", "secret-file", "worker"} {
		if cmd.PersistentFlags().Lookup(flag) == nil {
			t.Fatalf("expected persistent flag --%s", flag)
		}
	}
}

func TestEnqueueCountAndAvailable(t *testing.T) {
	factory := sharedMemory(t)

	out, err := runCommand(t, factory, "enqueue", "--id", "mail-1", "--priority", "5", "--queue", "mail", "--payload", "hello")
	if err != nil || strings.TrimSpace(out) != "mail-1" {
		t.Fatalf("enqueue: out=%q err=%v", out, err)
	}
	if _, err := runCommand(t, factory, "enqueue", "--id", "urgent", "--priority", "0"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := runCommand(t, factory, "enqueue", "--id", "later", "--run-at", "1h"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	out, err = runCommand(t, factory, "count")
	if err != nil || strings.TrimSpace(out) != "3" {
		t.Fatalf("count: out=%q err=%v", out, err)
	}

	out, err = runCommand(t, factory, "available", "--output", "json")
	if err != nil {
		t.Fatalf("available: %v", err)
	}
	var views []jobView
	if err := json.Unmarshal([]byte(out), &views); err != nil {
		t.Fatalf("decode available output %q: %v", out, err)
	}
	if len(views) != 2 || views[0].ID != "urgent" || views[1].ID != "mail-1" || views[1].Payload != "hello" {
		t.Fatalf("unexpected available jobs %+v", views)
	}

	out, err = runCommand(t, factory, "show", "mail-1")
	if err != nil {
		t.Fatalf("show: %v", err)
	}
	var shown []jobView
	if err := yaml.Unmarshal([]byte(out), &shown); err != nil || len(shown) != 1 || shown[0].Queue != "mail" {
		t.Fatalf("unexpected show output %q (%v)", out, err)
	}
}

func TestClearLocksUsesWorkerFlag(t *testing.T) {
	factory := sharedMemory(t)
	if _, err := runCommand(t, factory, "enqueue", "--id", "job-1"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	backend, err := factory(config.DefaultConfig().Store, logger.NewNop())
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	ctx := context.Background()
	if err := backend.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer backend.Close()
	rec, _ := backend.Find(ctx, "job-1")
	if ok, err := backend.LockExclusively(ctx, rec, time.Hour, "w1"); err != nil || !ok {
		t.Fatalf("lock: ok=%v err=%v", ok, err)
	}

	out, err := runCommand(t, factory, "--worker", "w2", "clear-locks")
	if err != nil || !strings.Contains(out, "released 0 jobs") {
		t.Fatalf("clear-locks w2: out=%q err=%v", out, err)
	}
	out, err = runCommand(t, factory, "--worker", "w1", "clear-locks")
	if err != nil || !strings.Contains(out, `released 1 jobs held by "w1"`) {
		t.Fatalf("clear-locks w1: out=%q err=%v", out, err)
	}
	if err := backend.Reload(ctx, rec); err != nil || rec.Locked() {
		t.Fatalf("expected job unlocked, got %+v (%v)", rec, err)
	}
}

func TestRelearnAndPurge(t *testing.T) {
	factory := sharedMemory(t)
	for _, id := range []string{"a", "b"} {
		if _, err := runCommand(t, factory, "enqueue", "--id", id); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	out, err := runCommand(t, factory, "relearn")
	if err != nil || strings.TrimSpace(out) != "indexed 2 keys" {
		t.Fatalf("relearn: out=%q err=%v", out, err)
	}

	if _, err := runCommand(t, factory, "purge"); err == nil || !strings.Contains(err.Error(), "--yes") {
		t.Fatalf("expected purge to require --yes, got %v", err)
	}
	if _, err := runCommand(t, factory, "purge", "--yes"); err != nil {
		t.Fatalf("purge: %v", err)
	}
	out, err = runCommand(t, factory, "count")
	if err != nil || strings.TrimSpace(out) != "0" {
		t.Fatalf("count after purge: out=%q err=%v", out, err)
	}
}

func TestHealthcheck(t *testing.T) {
	factory := sharedMemory(t)
	if _, err := runCommand(t, factory, "enqueue", "--id", "a"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	out, err := runCommand(t, factory, "healthcheck")
	if err != nil || !strings.Contains(out, "overall: healthy") || !strings.Contains(out, "jobstore-index: healthy (1 keys indexed)") {
		t.Fatalf("healthcheck: out=%q err=%v", out, err)
	}
}

func TestConfigCommandRedactsURLs(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := "store:\n  backend: postgres\n  sql:\n    url: postgres://jobs:secret@db:5432/jobs\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	out, err := runCommand(t, nil, "--config-file", path, "config", "--output", "json")
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	if strings.Contains(out, "secret") || !strings.Contains(out, redacted) || !strings.Contains(out, `"backend": "postgres"`) {
		t.Fatalf("unexpected config output %s", out)
	}
}

func TestParseRunAt(t *testing.T) {
	now := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		raw     string
		want    time.Time
		wantErr bool
	}{
		{"", time.Time{}, false},
		{"15m", now.Add(15 * time.Minute), false},
		{"2026-03-02T08:00:00Z", time.Date(2026, time.March, 2, 8, 0, 0, 0, time.UTC), false},
		{"tomorrow", time.Time{}, true},
	}
	for _, tt := range tests {
		got, err := parseRunAt(tt.raw, now)
		if tt.wantErr != (err != nil) {
			t.Fatalf("parseRunAt(%q) error = %v, wantErr %v", tt.raw, err, tt.wantErr)
		}
		if !got.Equal(tt.want) {
			t.Fatalf("parseRunAt(%q) = %v, want %v", tt.raw, got, tt.want)
		}
	}
}

func TestResolveWorkerName(t *testing.T) {
	if got := resolveWorkerName(" flag ", "config"); got != "flag" {
		t.Fatalf("expected flag to win, got %q", got)
	}
	if got := resolveWorkerName("", "config"); got != "config" {
		t.Fatalf("expected config value, got %q", got)
	}
	if got := resolveWorkerName("", ""); got != jobstore.DefaultWorkerName() {
		t.Fatalf("expected default worker name, got %q", got)
	}
}

func TestApplySecretFileFlag(t *testing.T) {
	t.Setenv("JOBSTORE_SECRETS_FILE", "")
	if err := applySecretFileFlag("jobstore", t.TempDir()); err == nil {
		t.Fatal("expected directory to be rejected")
	}
	path := filepath.Join(t.TempDir(), "secrets.yaml")
	if err := os.WriteFile(path, []byte("store: {}\n"), 0o600); err != nil {
		t.Fatalf("write secrets: %v", err)
	}
	if err := applySecretFileFlag("jobstore", path); err != nil {
		t.Fatalf("applySecretFileFlag: %v", err)
	}
	if got := os.Getenv("JOBSTORE_SECRETS_FILE"); got != path {
		t.Fatalf("expected secrets env %q, got %q", path, got)
	}
}

func TestVersionCommand(t *testing.T) {
	out, err := runCommand(t, nil, "version")
	if err != nil || !strings.Contains(out, "Service:    jobstore") || !strings.Contains(out, "Go:") {
		t.Fatalf("version: out=%q err=%v", out, err)
	}
}
