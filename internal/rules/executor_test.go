package rules

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	logx "rulekeeper/pkg/logx"
)

func okHandler(msg string, data map[string]any) Handler {
	return func(context.Context, map[string]any, *ExecutionContext) (map[string]any, error) {
		out := map[string]any{"success": true, "message": msg}
		for k, v := range data {
			out[k] = v
		}
		return out, nil
	}
}

func TestNormalizeName(t *testing.T) {
	t.Parallel()
	tests := map[string]string{
		"r":                    "r",
		"r.py":                 "r",
		"r/main.py":            "r",
		"r/main":               "r",
		"./r.py":               "r",
		"stock/check_price.py": "stock/check_price",
		" hello_world ":        "hello_world",
	}
	for in, want := range tests {
		if got := NormalizeName(in); got != want {
			t.Fatalf("NormalizeName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	t.Parallel()
	reg := NewRegistry()
	if err := reg.Register("a", okHandler("", nil)); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	err := reg.Register("a", okHandler("", nil))
	if err == nil {
		t.Fatal("duplicate registration should fail")
	}
	if !IsConfigurationError(err) {
		t.Fatalf("error %T is not a ConfigurationError", err)
	}
	if !strings.Contains(err.Error(), "already registered by") || !strings.Contains(err.Error(), "okHandler") {
		t.Fatalf("error should name the registrant: %v", err)
	}
}

func TestRegistryRejectsNilHandler(t *testing.T) {
	t.Parallel()
	err := NewRegistry().Register("a", nil)
	if err == nil || !strings.Contains(err.Error(), "asynchronous") {
		t.Fatalf("expected async requirement error, got %v", err)
	}
}

func sampleRule(context.Context, map[string]any, *ExecutionContext) (map[string]any, error) {
	return map[string]any{"success": true}, nil
}

func TestRegistryDerivesName(t *testing.T) {
	t.Parallel()
	reg := NewRegistry()
	if err := reg.Register("", sampleRule, WithTags("x"), WithDescription("d")); err != nil {
		t.Fatalf("Register: %v", err)
	}
	d, ok := reg.Definition("sampleRule")
	if !ok {
		t.Fatalf("derived name missing; have %v", reg.List())
	}
	if d.Description != "d" || len(d.Tags) != 1 {
		t.Fatalf("options not applied: %+v", d)
	}
}

func TestRegistryChainFrom(t *testing.T) {
	t.Parallel()
	reg := NewRegistry()
	reg.MustRegister("a", okHandler("", nil), WithChainNext("b"))
	reg.MustRegister("b", okHandler("", nil), WithChainNext("a"))
	got := reg.ChainFrom("a")
	if strings.Join(got, ",") != "a,b" {
		t.Fatalf("ChainFrom = %v, want [a b]", got)
	}
}

func TestExecuteNotFound(t *testing.T) {
	t.Parallel()
	ex := NewExecutor(NewRegistry(), ExecutorOptions{}, logx.Nop())
	res := ex.Execute(context.Background(), "missing.py", map[string]any{}, nil)
	if res.Success {
		t.Fatal("expected failure")
	}
	if !strings.Contains(res.Error, "not found") {
		t.Fatalf("error = %q, want not found", res.Error)
	}
}

func TestExecuteFailures(t *testing.T) {
	t.Parallel()
	reg := NewRegistry()
	reg.MustRegister("raises", func(context.Context, map[string]any, *ExecutionContext) (map[string]any, error) {
		return nil, errors.New("db down")
	})
	reg.MustRegister("panics", func(context.Context, map[string]any, *ExecutionContext) (map[string]any, error) {
		panic("boom")
	})
	reg.MustRegister("nil_result", func(context.Context, map[string]any, *ExecutionContext) (map[string]any, error) {
		return nil, nil
	})
	reg.MustRegister("bad_success", func(context.Context, map[string]any, *ExecutionContext) (map[string]any, error) {
		return map[string]any{"success": "yes"}, nil
	})
	reg.MustRegister("no_success", func(context.Context, map[string]any, *ExecutionContext) (map[string]any, error) {
		return map[string]any{"message": "hm"}, nil
	})
	ex := NewExecutor(reg, ExecutorOptions{}, logx.Nop())

	tests := []struct {
		rule    string
		errPart string
	}{
		{rule: "raises", errPart: "Rule execution failed: db down"},
		{rule: "panics", errPart: "boom"},
		{rule: "nil_result", errPart: "contract violation"},
		{rule: "bad_success", errPart: "success must be a bool"},
		{rule: "no_success", errPart: ""},
	}
	for _, tt := range tests {
		res := ex.Execute(context.Background(), tt.rule, nil, nil)
		if res.Success {
			t.Fatalf("%s: expected failure", tt.rule)
		}
		if !strings.Contains(res.Error, tt.errPart) {
			t.Fatalf("%s: error = %q, want %q", tt.rule, res.Error, tt.errPart)
		}
	}
}

func TestExecuteSplitsData(t *testing.T) {
	t.Parallel()
	reg := NewRegistry()
	reg.MustRegister("r", okHandler("done", map[string]any{"value": 10}))
	ex := NewExecutor(reg, ExecutorOptions{}, logx.Nop())
	res := ex.Execute(context.Background(), "r/main.py", nil, nil)
	if !res.Success || res.Message != "done" || res.Data["value"] != 10 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if _, ok := res.Data["success"]; ok {
		t.Fatal("success leaked into data")
	}
}

func TestExecuteTimeout(t *testing.T) {
	t.Parallel()
	reg := NewRegistry()
	reg.MustRegister("slow", func(ctx context.Context, _ map[string]any, _ *ExecutionContext) (map[string]any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	ex := NewExecutor(reg, ExecutorOptions{Timeout: 20 * time.Millisecond}, logx.Nop())
	res := ex.Execute(context.Background(), "slow", nil, nil)
	if res.Success || !strings.Contains(res.Error, "timed out") {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestExecuteChainPassesResults(t *testing.T) {
	t.Parallel()
	reg := NewRegistry()
	var secondPayload map[string]any
	reg.MustRegister("a", okHandler("", map[string]any{"value": 10}))
	reg.MustRegister("b", func(_ context.Context, payload map[string]any, ec *ExecutionContext) (map[string]any, error) {
		secondPayload = payload
		prev := ec.PrevResult("a")
		v, _ := prev["value"].(int)
		return map[string]any{"success": true, "result": v * 2}, nil
	})
	ex := NewExecutor(reg, ExecutorOptions{}, logx.Nop())

	id := uuid.New()
	results := ex.ExecuteChain(context.Background(), []string{"a", "b"}, map[string]any{"seed": 1}, id)
	if len(results) != 2 {
		t.Fatalf("len = %d, want 2", len(results))
	}
	if results[0].Data["value"] != 10 || results[1].Data["result"] != 20 {
		t.Fatalf("unexpected chain results: %+v", results)
	}
	if len(secondPayload) != 0 {
		t.Fatalf("second step payload = %v, want empty", secondPayload)
	}
}

func TestExecuteChainFailFast(t *testing.T) {
	t.Parallel()
	reg := NewRegistry()
	called := false
	reg.MustRegister("fail", func(context.Context, map[string]any, *ExecutionContext) (map[string]any, error) {
		return map[string]any{"success": false}, nil
	})
	reg.MustRegister("never", func(context.Context, map[string]any, *ExecutionContext) (map[string]any, error) {
		called = true
		return map[string]any{"success": true}, nil
	})
	ex := NewExecutor(reg, ExecutorOptions{}, logx.Nop())
	results := ex.ExecuteChain(context.Background(), []string{"fail", "never"}, nil, uuid.Nil)
	if len(results) != 1 {
		t.Fatalf("len = %d, want 1", len(results))
	}
	if called {
		t.Fatal("rule after failure was invoked")
	}
}

func TestExecuteChainSharesExecutionID(t *testing.T) {
	t.Parallel()
	reg := NewRegistry()
	var ids []uuid.UUID
	var positions []int
	rec := func(_ context.Context, _ map[string]any, ec *ExecutionContext) (map[string]any, error) {
		ids = append(ids, ec.ExecutionID)
		positions = append(positions, ec.ChainPosition)
		return map[string]any{"success": true}, nil
	}
	reg.MustRegister("x", rec)
	reg.MustRegister("y", rec)
	ex := NewExecutor(reg, ExecutorOptions{}, logx.Nop())
	id := uuid.New()
	ex.ExecuteChain(context.Background(), []string{"x", "y"}, nil, id)
	if len(ids) != 2 || ids[0] != id || ids[1] != id {
		t.Fatalf("ids = %v, want both %v", ids, id)
	}
	if positions[0] != 0 || positions[1] != 1 {
		t.Fatalf("positions = %v", positions)
	}
}

func writeScript(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o755); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestExternalManifestFallback(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts")
	}
	t.Parallel()
	dir := t.TempDir()
	ex := NewExecutor(NewRegistry(), ExecutorOptions{ScriptsDir: dir}, logx.Nop())

	res := ex.Execute(context.Background(), "greet", map[string]any{"name": "x"}, nil)
	if res.Success || !strings.Contains(res.Error, "not found") {
		t.Fatalf("expected not found before manifest exists: %+v", res)
	}

	writeScript(t, dir, "greet.sh", "#!/bin/sh\nread -r payload || true\nprintf '{\"success\": true, \"message\": \"hi from %s\", \"payload\": %s}\\n' \"$RULE_NAME\" \"$payload\"\n")
	writeScript(t, dir, "broken.sh", "#!/bin/sh\necho 'not json'\n")
	writeScript(t, dir, ManifestFile, "rules:\n  greet:\n    command: ./greet.sh\n  broken:\n    command: ./broken.sh\n")

	res = ex.Execute(context.Background(), "greet/main.py", map[string]any{"name": "x"}, nil)
	if !res.Success || res.Message != "hi from greet" {
		t.Fatalf("unexpected result: %+v", res)
	}
	payload, _ := res.Data["payload"].(map[string]any)
	if payload["name"] != "x" {
		t.Fatalf("payload not forwarded on stdin: %+v", res.Data)
	}

	res = ex.Execute(context.Background(), "broken", nil, nil)
	if res.Success || !strings.Contains(res.Error, "contract violation") {
		t.Fatalf("expected contract violation: %+v", res)
	}
	if got := strings.Join(ex.ExternalNames(), ","); got != "broken,greet" {
		t.Fatalf("ExternalNames = %q", got)
	}
}
