//go:build linux

package builtin

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/dbus"
)

func systemdUnitStatus(ctx context.Context, units []string) ([]UnitStatus, error) {
	conn, err := dbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to systemd: %w", err)
	}
	defer conn.Close()

	out := make([]UnitStatus, 0, len(units))
	for _, name := range units {
		props, err := conn.GetUnitPropertiesContext(ctx, name)
		if err != nil {
			if strings.Contains(err.Error(), "NoSuchUnit") {
				out = append(out, UnitStatus{Name: name, ActiveState: "unknown", SubState: "not-found", LoadState: "not-found"})
				continue
			}
			return nil, fmt.Errorf("failed to get status for %s: %w", name, err)
		}
		us := UnitStatus{
			Name:        name,
			ActiveState: stringProp(props, "ActiveState"),
			SubState:    stringProp(props, "SubState"),
			LoadState:   stringProp(props, "LoadState"),
		}
		if us.ActiveState != "active" {
			us.Since = timestampProp(props, "InactiveEnterTimestamp")
		}
		out = append(out, us)
	}
	return out, nil
}

func stringProp(props map[string]interface{}, key string) string {
	s, _ := props[key].(string)
	return s
}

// systemd timestamps are microseconds since the Unix epoch.
func timestampProp(props map[string]interface{}, key string) time.Time {
	if ts, ok := props[key].(uint64); ok && ts > 0 {
		return time.UnixMicro(int64(ts))
	}
	return time.Time{}
}
