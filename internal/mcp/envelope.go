package mcp

import (
	"encoding/json"
	"strings"
)

type rpcRequest struct {
	JSONRPC string         `json:"jsonrpc"`
	ID      int64          `json:"id"`
	Method  string         `json:"method"`
	Params  map[string]any `json:"params,omitempty"`
}

type rpcMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// BlockKind tags the variants of a tool-result content block.
type BlockKind int

const (
	BlockUnknown BlockKind = iota
	BlockText
	BlockResource
)

// ContentBlock is one element of a tool result's content array, decoded
// once at the protocol boundary instead of probed field-by-field downstream.
type ContentBlock struct {
	Kind     BlockKind
	Text     string
	Resource ResourcePayload
	Raw      json.RawMessage
}

// ResourcePayload carries the fields a resource block may nest its HTML
// under. Servers are inconsistent about the exact shape.
type ResourcePayload struct {
	HTMLString string `json:"htmlString"`
	Text       string `json:"text"`
	Content    struct {
		HTMLString string `json:"htmlString"`
	} `json:"content"`
}

// HTML returns the first non-empty HTML-bearing field.
func (r ResourcePayload) HTML() string {
	if s := strings.TrimSpace(r.HTMLString); s != "" {
		return s
	}
	if s := strings.TrimSpace(r.Content.HTMLString); s != "" {
		return s
	}
	return strings.TrimSpace(r.Text)
}

// ToolResult is the decoded envelope of a tools/call response.
type ToolResult struct {
	Blocks []ContentBlock
}

type wireBlock struct {
	Type     string          `json:"type"`
	Text     *string         `json:"text,omitempty"`
	Resource json.RawMessage `json:"resource,omitempty"`
}

// DecodeToolResult parses a raw tools/call result into tagged content blocks.
func DecodeToolResult(raw json.RawMessage) (*ToolResult, error) {
	var envelope struct {
		Content []json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, err
	}
	out := &ToolResult{Blocks: make([]ContentBlock, 0, len(envelope.Content))}
	for _, rawBlock := range envelope.Content {
		var wb wireBlock
		if err := json.Unmarshal(rawBlock, &wb); err != nil {
			out.Blocks = append(out.Blocks, ContentBlock{Kind: BlockUnknown, Raw: rawBlock})
			continue
		}
		block := ContentBlock{Raw: rawBlock}
		switch {
		case wb.Text != nil:
			block.Kind = BlockText
			block.Text = *wb.Text
		case wb.Type == "resource" && len(wb.Resource) > 0:
			block.Kind = BlockResource
			if err := json.Unmarshal(wb.Resource, &block.Resource); err != nil {
				block.Kind = BlockUnknown
			}
		default:
			block.Kind = BlockUnknown
		}
		out.Blocks = append(out.Blocks, block)
	}
	return out, nil
}

// FirstText returns the payload of the first text-bearing block. If the
// text parses as JSON it is returned verbatim; otherwise the raw string is
// re-encoded as a JSON string so callers always receive valid JSON.
func (t *ToolResult) FirstText() (json.RawMessage, bool) {
	for _, b := range t.Blocks {
		if b.Kind != BlockText {
			continue
		}
		text := strings.TrimSpace(b.Text)
		if text == "" {
			return nil, false
		}
		if json.Valid([]byte(text)) {
			return json.RawMessage(text), true
		}
		quoted, err := json.Marshal(b.Text)
		if err != nil {
			return nil, false
		}
		return quoted, true
	}
	return nil, false
}

// FirstResource returns the first resource block, if any.
func (t *ToolResult) FirstResource() (ResourcePayload, bool) {
	for _, b := range t.Blocks {
		if b.Kind == BlockResource {
			return b.Resource, true
		}
	}
	return ResourcePayload{}, false
}
