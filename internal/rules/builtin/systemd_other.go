//go:build !linux

package builtin

import (
	"context"
	"errors"
)

var errSystemdUnsupported = errors.New("systemd_unit: unsupported OS (linux only)")

func systemdUnitStatus(context.Context, []string) ([]UnitStatus, error) {
	return nil, errSystemdUnsupported
}
