package protocol

import (
	"errors"
	"strings"
	"testing"
)

func TestParseEventStream_MatchesRequestID(t *testing.T) {
	body := strings.Join([]string{
		`data: {"jsonrpc":"2.0","id":1,"result":{"stale":true}}`,
		`data: {"jsonrpc":"2.0","id":7,"result":{"content":[{"type":"text","text":"ok"}]}}`,
		`data: {"jsonrpc":"2.0","id":8,"result":{"later":true}}`,
	}, "\n")

	resp, err := parseEventStream(strings.NewReader(body), 7)
	if err != nil {
		t.Fatalf("parseEventStream: %v", err)
	}
	if resp.ID == nil || *resp.ID != 7 {
		t.Errorf("selected id = %v, want 7", resp.ID)
	}
}

func TestParseEventStream_FallsBackToLastObject(t *testing.T) {
	body := strings.Join([]string{
		`data: {"jsonrpc":"2.0","id":1,"result":{}}`,
		`data: {"jsonrpc":"2.0","id":2,"result":{"last":true}}`,
	}, "\n")

	resp, err := parseEventStream(strings.NewReader(body), 99)
	if err != nil {
		t.Fatalf("parseEventStream: %v", err)
	}
	if resp.ID == nil || *resp.ID != 2 {
		t.Errorf("selected id = %v, want last object (2)", resp.ID)
	}
}

func TestParseEventStream_SkipsNoise(t *testing.T) {
	body := strings.Join([]string{
		`event: message`,
		`data:`,
		`data: [DONE]`,
		`data: not json`,
		`data: {"not":"jsonrpc"}`,
		`: comment`,
		`data: {"jsonrpc":"2.0","id":3,"result":{"ok":true}}`,
	}, "\n")

	resp, err := parseEventStream(strings.NewReader(body), 3)
	if err != nil {
		t.Fatalf("parseEventStream: %v", err)
	}
	if resp.ID == nil || *resp.ID != 3 {
		t.Errorf("selected id = %v, want 3", resp.ID)
	}
}

func TestParseEventStream_NoResponse(t *testing.T) {
	body := "event: ping\ndata: [DONE]\n"
	_, err := parseEventStream(strings.NewReader(body), 1)
	if !errors.Is(err, ErrNoResponse) {
		t.Errorf("err = %v, want ErrNoResponse", err)
	}
}

func TestParseEventStream_CarriesRPCError(t *testing.T) {
	body := `data: {"jsonrpc":"2.0","id":5,"error":{"code":-32000,"message":"boom"}}`
	resp, err := parseEventStream(strings.NewReader(body), 5)
	if err != nil {
		t.Fatalf("parseEventStream: %v", err)
	}
	if resp.Error == nil || resp.Error.Code != -32000 {
		t.Errorf("error = %+v, want code -32000", resp.Error)
	}
}
