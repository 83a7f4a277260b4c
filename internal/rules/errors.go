package rules

import (
	"errors"
	"fmt"
)

// ConfigurationError is returned for registration and manifest problems.
// It is fatal to the offending registration only.
type ConfigurationError struct {
	Rule string
	Msg  string
}

func (e *ConfigurationError) Error() string {
	if e.Rule == "" {
		return "rules: " + e.Msg
	}
	return fmt.Sprintf("rules: %s: %s", e.Rule, e.Msg)
}

// IsConfigurationError reports whether err wraps a ConfigurationError.
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

// ErrContractViolation marks a handler whose return value breaks the handler contract.
var ErrContractViolation = errors.New("handler contract violation")
