package agent

import (
	"errors"
	"fmt"
)

// ErrUnknownTool is returned when the model requests a tool the registry
// does not know.
var ErrUnknownTool = errors.New("unknown tool")

// ToolArgsError reports model-emitted arguments that do not match the tool's
// input schema. It is surfaced to the model as an error tool result; the
// turn continues.
type ToolArgsError struct {
	Tool string
	Err  error
}

func (e *ToolArgsError) Error() string {
	return fmt.Sprintf("invalid arguments for tool %s: %v", e.Tool, e.Err)
}

func (e *ToolArgsError) Unwrap() error { return e.Err }
