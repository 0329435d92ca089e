package protocol

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"
)

// maxScanTokenSize allows for large tool results inside a single SSE event.
const maxScanTokenSize = 4 << 20

// parseEventStream scans an SSE body line by line for data: payloads, parses
// each as a JSON-RPC response, and selects the object whose id matches the
// outgoing request id. If no id matches, the last parsed object is used; if
// no valid JSON-RPC object was found at all, ErrNoResponse is returned.
func parseEventStream(body io.Reader, wantID int64) (*Response, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), maxScanTokenSize)

	var last *Response
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" || data == "[DONE]" {
			continue
		}

		var resp Response
		if err := json.Unmarshal([]byte(data), &resp); err != nil {
			continue
		}
		if resp.JSONRPC != jsonrpcVersion {
			continue
		}
		if resp.ID != nil && *resp.ID == wantID {
			return &resp, nil
		}
		last = &resp
	}
	if err := scanner.Err(); err != nil {
		return nil, &TransportError{Err: err}
	}
	if last == nil {
		return nil, ErrNoResponse
	}
	return last, nil
}
