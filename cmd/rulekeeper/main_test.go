package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"rulekeeper/internal/scheduler"
	"rulekeeper/internal/storage"
)

func run(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	if err := cmd.Execute(); err != nil {
		t.Fatalf("%v: %v\n%s", args, err, out.String())
	}
	return out.String()
}

func TestCLIRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	cfg := "logging:\n  level: error\nstorage:\n  driver: sqlite\n  path: " + filepath.Join(dir, "rk.db") + "\n"
	if err := os.WriteFile(cfgPath, []byte(cfg), 0o644); err != nil {
		t.Fatal(err)
	}

	out := run(t, "-c", cfgPath, "rules", "add", "--name", "greet", "--schedule", "0 * * * *",
		"--script", "hello_world", "--payload", `{"name":"cli"}`)
	if !strings.HasPrefix(out, "created rule greet") {
		t.Fatalf("add output = %q", out)
	}

	var list []storage.Rule
	if err := json.Unmarshal([]byte(run(t, "-c", cfgPath, "rules", "list", "--json")), &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list) != 1 || list[0].Name != "greet" || !list[0].IsActive {
		t.Fatalf("list = %+v", list)
	}

	var resp scheduler.TickResponse
	if err := json.Unmarshal([]byte(run(t, "-c", cfgPath, "tick", "--now", "2999-01-01T00:00:00Z")), &resp); err != nil {
		t.Fatalf("decode tick: %v", err)
	}
	if resp.Processed != 1 || resp.Succeeded != 1 {
		t.Fatalf("tick = %+v", resp)
	}

	if out := run(t, "-c", cfgPath, "rules", "history", "greet"); !strings.Contains(out, "Hello, cli!") {
		t.Fatalf("history = %q", out)
	}
	if out := run(t, "-c", cfgPath, "rules", "disable", "greet"); !strings.Contains(out, "is_active=false") {
		t.Fatalf("disable = %q", out)
	}
	if out := run(t, "-c", cfgPath, "handlers"); !strings.Contains(out, "cel_check") {
		t.Fatalf("handlers = %q", out)
	}
}

func TestOneLine(t *testing.T) {
	t.Parallel()
	if got := oneLine("a\n  b\tc", 10); got != "a b c" {
		t.Fatalf("oneLine = %q", got)
	}
	if got := oneLine(strings.Repeat("x", 20), 5); got != "xxxx…" {
		t.Fatalf("oneLine = %q", got)
	}
}
