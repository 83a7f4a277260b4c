// Package builtin holds the rule handlers compiled into the binary.
package builtin

import (
	"context"
	"fmt"

	"rulekeeper/internal/rules"
)

// Register adds every built-in handler to reg. Call it once from bootstrap.
func Register(reg *rules.Registry) error {
	entries := []struct {
		name string
		h    rules.Handler
		opts []rules.Option
	}{
		{"hello_world", HelloWorld, []rules.Option{rules.WithDescription("Greets payload.name"), rules.WithTags("example")}},
		{"cel_check", NewCELCheck().Handle, []rules.Option{rules.WithDescription("Evaluates a CEL expression over payload.vars"), rules.WithTags("check")}},
		{"http_probe", NewHTTPProbe(nil).Handle, []rules.Option{rules.WithDescription("GETs payload.url and checks the status code"), rules.WithTags("check", "http")}},
		{"speedtest", NewSpeedTest().Handle, []rules.Option{rules.WithDescription("Measures bandwidth and checks payload thresholds"), rules.WithTags("check", "network")}},
		{"systemd_unit", NewUnitCheck().Handle, []rules.Option{rules.WithDescription("Checks that payload.units are active"), rules.WithTags("check", "systemd")}},
	}
	for _, e := range entries {
		if err := reg.Register(e.name, e.h, e.opts...); err != nil {
			return err
		}
	}
	return nil
}

// HelloWorld greets payload["name"] (default "World"). Inside a chain it mentions
// the data produced by a preceding fetch_data step.
func HelloWorld(_ context.Context, payload map[string]any, ec *rules.ExecutionContext) (map[string]any, error) {
	name := "World"
	if v, ok := payload["name"]; ok && v != nil {
		name = fmt.Sprint(v)
	}
	msg := fmt.Sprintf("Hello, %s!", name)
	if prev := ec.PrevResult("fetch_data"); prev != nil {
		msg += fmt.Sprintf(" (from chain, prev data: %v)", prev)
	}
	return map[string]any{"success": true, "message": msg}, nil
}
