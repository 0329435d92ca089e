package protocol

import (
	"errors"
	"fmt"
	"net"
)

// TransportError reports a network or HTTP-level failure talking to the
// tool server. These are retryable.
type TransportError struct {
	Status int    // 0 when the request never got a response
	Body   string // truncated body snippet for diagnostics
	Err    error
}

func (e *TransportError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("protocol transport: HTTP %d: %s", e.Status, e.Body)
	}
	return fmt.Sprintf("protocol transport: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// HandshakeError reports a failed initialize exchange. Retryable at the
// session level.
type HandshakeError struct {
	Err error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("protocol handshake: %v", e.Err)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// ToolError reports a JSON-RPC error returned for a tool call. Not retried
// automatically; the orchestration loop surfaces it to the model as a tool
// result error.
type ToolError struct {
	Tool    string
	Code    int
	Message string
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("tool %s failed: remote error %d: %s", e.Tool, e.Code, e.Message)
}

// ErrNoResponse is returned when an event-stream body contained no valid
// JSON-RPC object.
var ErrNoResponse = errors.New("no JSON-RPC response in body")

// DefaultRetryable is the retry predicate for tools/call: network failures
// and gateway errors (502/503/504) are transient, everything else is not.
func DefaultRetryable(err error) bool {
	var te *TransportError
	if errors.As(err, &te) {
		if te.Status == 0 {
			return true
		}
		switch te.Status {
		case 502, 503, 504:
			return true
		}
		return false
	}
	var ne net.Error
	return errors.As(err, &ne)
}
