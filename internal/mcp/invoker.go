package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
)

// Tool describes one tool advertised by the server.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// Caller is the subset of Client the invoker needs; tests substitute fakes.
type Caller interface {
	Send(ctx context.Context, method string, params map[string]any) (json.RawMessage, error)
}

// Invoker translates named tool calls into protocol requests and unwraps
// the tool-specific result envelope.
type Invoker struct {
	client Caller
	logger *log.Logger
}

// NewInvoker wraps a client. logger may be nil.
func NewInvoker(client Caller, logger *log.Logger) *Invoker {
	if logger == nil {
		logger = log.New(log.Writer(), "[MCP] ", log.LstdFlags)
	}
	return &Invoker{client: client, logger: logger}
}

// ListTools fetches the server's advertised tool catalog.
func (inv *Invoker) ListTools(ctx context.Context) ([]Tool, error) {
	raw, err := inv.client.Send(ctx, "tools/list", nil)
	if err != nil {
		return nil, err
	}
	var res struct {
		Tools []Tool `json:"tools"`
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("invalid tools/list result: %w", err)
	}
	return res.Tools, nil
}

// Call invokes a named tool and returns the decoded result envelope.
// Session expiry that could not be recovered propagates; any other failure
// is logged and reported as a nil result so callers can treat "failed" and
// "empty" uniformly.
func (inv *Invoker) Call(ctx context.Context, name string, args map[string]any) (*ToolResult, error) {
	raw, err := inv.client.Send(ctx, "tools/call", map[string]any{"name": name, "arguments": args})
	if err != nil {
		var expired ErrSessionExpired
		if errors.As(err, &expired) {
			return nil, err
		}
		inv.logger.Printf("tool %s failed: %v", name, err)
		return nil, nil
	}
	result, err := DecodeToolResult(raw)
	if err != nil {
		inv.logger.Printf("tool %s returned an undecodable envelope: %v", name, err)
		return nil, nil
	}
	return result, nil
}

// CallJSON invokes a tool and returns the first text block's payload as
// JSON. A nil result means the call failed or produced nothing usable.
func (inv *Invoker) CallJSON(ctx context.Context, name string, args map[string]any) (json.RawMessage, error) {
	result, err := inv.Call(ctx, name, args)
	if err != nil || result == nil {
		return nil, err
	}
	payload, ok := result.FirstText()
	if !ok {
		return nil, nil
	}
	return payload, nil
}
