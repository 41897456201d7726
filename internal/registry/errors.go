package registry

import (
	"fmt"
	"strings"
)

// ToolNotFoundError is returned when a call names a tool without a
// configuration and no tool server visible to the caller has
// advertised it. Discovering the server's tools first populates the
// index.
type ToolNotFoundError struct {
	ToolName string
}

// Error implements the error interface.
func (e *ToolNotFoundError) Error() string {
	return fmt.Sprintf("tool %q is not available", e.ToolName)
}

// AmbiguousToolError is returned when several tool servers visible to
// the caller expose the same tool name and the call did not pick one.
type AmbiguousToolError struct {
	ToolName         string
	ConfigurationIDs []string
}

// Error implements the error interface.
func (e *AmbiguousToolError) Error() string {
	return fmt.Sprintf("tool %q is provided by several servers (%s); choose a configuration",
		e.ToolName, strings.Join(e.ConfigurationIDs, ", "))
}
