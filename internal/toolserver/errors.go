package toolserver

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a configuration does not exist or is not
// visible to the caller. The two cases are deliberately indistinguishable.
var ErrNotFound = errors.New("tool server configuration not found")

// ConfigurationError reports an invalid, unsafe or disabled
// configuration. It is never retried.
type ConfigurationError struct {
	ConfigurationID string
	Reason          string
}

// Error implements the error interface.
func (e *ConfigurationError) Error() string {
	if e.ConfigurationID == "" {
		return "configuration error: " + e.Reason
	}
	return fmt.Sprintf("configuration %s: %s", e.ConfigurationID, e.Reason)
}

// NewConfigurationError builds a ConfigurationError with a formatted reason.
func NewConfigurationError(id, format string, args ...any) *ConfigurationError {
	return &ConfigurationError{ConfigurationID: id, Reason: fmt.Sprintf(format, args...)}
}

// IsConfigurationError reports whether err wraps a ConfigurationError.
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

// ErrDisabled builds the error returned for configurations with
// Enabled=false.
func ErrDisabled(id string) *ConfigurationError {
	return &ConfigurationError{ConfigurationID: id, Reason: "tool server is disabled"}
}
