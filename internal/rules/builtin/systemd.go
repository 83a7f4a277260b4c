package builtin

import (
	"context"
	"fmt"
	"strings"
	"time"

	"rulekeeper/internal/rules"
)

// UnitStatus is the subset of systemd unit state the check looks at.
type UnitStatus struct {
	Name        string
	ActiveState string // active, inactive, failed, ...
	SubState    string // running, dead, ...
	LoadState   string // loaded, not-found, ...
	Since       time.Time
}

// UnitCheck succeeds when every unit in payload["units"] (string or list) is
// active. A name without a suffix gets ".service".
type UnitCheck struct {
	status func(ctx context.Context, units []string) ([]UnitStatus, error)
}

func NewUnitCheck() *UnitCheck { return &UnitCheck{status: systemdUnitStatus} }

func (c *UnitCheck) Handle(ctx context.Context, payload map[string]any, _ *rules.ExecutionContext) (map[string]any, error) {
	units := stringList(payload, "units")
	if len(units) == 0 {
		units = stringList(payload, "unit")
	}
	if len(units) == 0 {
		return map[string]any{"success": false, "message": "payload.units is required"}, nil
	}
	for i, u := range units {
		if !strings.Contains(u, ".") {
			units[i] = u + ".service"
		}
	}

	statuses, err := c.status(ctx, units)
	if err != nil {
		return nil, err
	}
	states := make(map[string]any, len(statuses))
	var down []string
	for _, s := range statuses {
		states[s.Name] = s.ActiveState + "/" + s.SubState
		if s.LoadState == "not-found" {
			down = append(down, s.Name+" not found")
			continue
		}
		if s.ActiveState != "active" {
			d := fmt.Sprintf("%s %s", s.Name, s.ActiveState)
			if !s.Since.IsZero() {
				d += " since " + s.Since.UTC().Format(time.RFC3339)
			}
			down = append(down, d)
		}
	}

	msg := fmt.Sprintf("%d/%d units active", len(statuses)-len(down), len(statuses))
	if len(down) > 0 {
		msg += ": " + strings.Join(down, ", ")
	}
	return map[string]any{"success": len(down) == 0, "message": msg, "units": states}, nil
}
