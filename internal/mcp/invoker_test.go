package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"testing"
)

type scriptedCaller struct {
	result  json.RawMessage
	err     error
	methods []string
	params  []map[string]any
}

func (s *scriptedCaller) Send(_ context.Context, method string, params map[string]any) (json.RawMessage, error) {
	s.methods = append(s.methods, method)
	s.params = append(s.params, params)
	return s.result, s.err
}

func discard() *log.Logger { return log.New(io.Discard, "", 0) }

func TestCallJSONUnwrapsEnvelope(t *testing.T) {
	caller := &scriptedCaller{
		result: json.RawMessage(`{"content":[{"type":"text","text":"{\"results\":[]}"}]}`),
	}
	inv := NewInvoker(caller, discard())

	payload, err := inv.CallJSON(context.Background(), "knowledge_search", map[string]any{"query": "gdp"})
	if err != nil {
		t.Fatalf("CallJSON: %v", err)
	}
	if string(payload) != `{"results":[]}` {
		t.Fatalf("payload = %s", payload)
	}

	if len(caller.methods) != 1 || caller.methods[0] != "tools/call" {
		t.Fatalf("methods = %v, want one tools/call", caller.methods)
	}
	if got := caller.params[0]["name"]; got != "knowledge_search" {
		t.Fatalf("tool name = %v", got)
	}
	args, ok := caller.params[0]["arguments"].(map[string]any)
	if !ok || args["query"] != "gdp" {
		t.Fatalf("arguments = %v", caller.params[0]["arguments"])
	}
}

func TestCallSwallowsGenericFailure(t *testing.T) {
	caller := &scriptedCaller{err: errors.New("transport broke")}
	inv := NewInvoker(caller, discard())

	result, err := inv.Call(context.Background(), "knowledge_search", nil)
	if err != nil {
		t.Fatalf("Call returned error %v, want nil (failed call reads as empty)", err)
	}
	if result != nil {
		t.Fatalf("result = %+v, want nil", result)
	}
}

func TestCallPropagatesSessionExpiry(t *testing.T) {
	caller := &scriptedCaller{err: ErrSessionExpired{Status: 410}}
	inv := NewInvoker(caller, discard())

	_, err := inv.Call(context.Background(), "knowledge_search", nil)
	var expired ErrSessionExpired
	if !errors.As(err, &expired) {
		t.Fatalf("Call error = %v, want ErrSessionExpired", err)
	}
}

func TestCallJSONWithoutTextBlock(t *testing.T) {
	caller := &scriptedCaller{
		result: json.RawMessage(`{"content":[{"type":"resource","resource":{"htmlString":"<x/>"}}]}`),
	}
	inv := NewInvoker(caller, discard())

	payload, err := inv.CallJSON(context.Background(), "open_chart_ui", nil)
	if err != nil || payload != nil {
		t.Fatalf("CallJSON = (%s, %v), want (nil, nil)", payload, err)
	}
}

func TestListTools(t *testing.T) {
	caller := &scriptedCaller{
		result: json.RawMessage(`{"tools":[{"name":"knowledge_search","description":"search charts"}]}`),
	}
	inv := NewInvoker(caller, discard())

	tools, err := inv.ListTools(context.Background())
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	if len(tools) != 1 || tools[0].Name != "knowledge_search" {
		t.Fatalf("tools = %+v", tools)
	}
	if caller.methods[0] != "tools/list" {
		t.Fatalf("method = %q, want tools/list", caller.methods[0])
	}
}
