package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	protocolVersion = "2024-11-05"
	clientName      = "scout-retrieval"
	clientVersion   = "1.0.0"

	connectPollInterval = 100 * time.Millisecond
	maxStreamLineBytes  = 1 << 20
)

// Client maintains one logical session to a tool server. Requests are sent
// over HTTP and answered asynchronously on a server-push event stream,
// correlated by message id. On session expiry (410, or 404 with a
// session-related body) the client reconnects once and retries the call.
type Client struct {
	baseURL        string
	logger         *log.Logger
	httpc          *http.Client
	connectTimeout time.Duration
	callTimeout    time.Duration

	mu        sync.Mutex
	sessionID string
	nextID    int64
	pending   map[int64]chan rpcMessage

	cancelStream context.CancelFunc
	streamDone   chan struct{}
	closed       bool

	// Serializes Connect so concurrent callers share one stream.
	connectMu sync.Mutex
	// Serializes recovery so concurrent senders hitting the same expiry
	// trigger a single reconnect.
	reconnectMu sync.Mutex
}

// Option customizes a Client.
type Option func(*Client)

// WithTimeouts overrides the connect and per-call timeouts.
func WithTimeouts(connect, call time.Duration) Option {
	return func(c *Client) {
		if connect > 0 {
			c.connectTimeout = connect
		}
		if call > 0 {
			c.callTimeout = call
		}
	}
}

// WithHTTPClient overrides the transport, mainly for tests.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpc = h }
}

// NewClient builds a client for the tool server at baseURL. Call Connect
// before issuing requests.
func NewClient(baseURL string, logger *log.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = log.New(log.Writer(), "[MCP] ", log.LstdFlags)
	}
	c := &Client{
		baseURL:        strings.TrimRight(baseURL, "/"),
		logger:         logger,
		httpc:          &http.Client{},
		connectTimeout: 5 * time.Second,
		callTimeout:    120 * time.Second,
		pending:        make(map[int64]chan rpcMessage),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SessionID returns the current session identifier, empty when disconnected.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Connect opens the event stream in a background goroutine and waits until
// the server announces a session id. Concurrent calls are serialized, and
// Connect is a no-op while a session is already live, so racing callers
// cannot spawn duplicate streams.
func (c *Client) Connect(ctx context.Context) error {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()
	if c.SessionID() != "" {
		return nil
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrConnect{URL: c.baseURL, Err: fmt.Errorf("client is closed")}
	}
	streamCtx, cancel := context.WithCancel(context.Background())
	c.cancelStream = cancel
	done := make(chan struct{})
	c.streamDone = done
	c.mu.Unlock()

	go c.readStream(streamCtx, done)

	deadline := time.Now().Add(c.connectTimeout)
	for {
		if sid := c.SessionID(); sid != "" {
			c.logger.Printf("connected to tool server (session %s...)", shortSession(sid))
			return nil
		}
		if time.Now().After(deadline) {
			cancel()
			return ErrConnect{URL: c.baseURL}
		}
		select {
		case <-ctx.Done():
			cancel()
			return ErrConnect{URL: c.baseURL, Err: ctx.Err()}
		case <-time.After(connectPollInterval):
		}
	}
}

// Initialize performs capability negotiation. It must succeed before any
// tool call.
func (c *Client) Initialize(ctx context.Context) error {
	return c.initialize(ctx, true)
}

func (c *Client) initialize(ctx context.Context, allowRetry bool) error {
	_, err := c.send(ctx, "initialize", map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo":      map[string]any{"name": clientName, "version": clientVersion},
	}, allowRetry)
	if err != nil {
		return fmt.Errorf("initialize failed: %w", err)
	}
	return nil
}

// readStream consumes the server-push channel. Only the first endpoint
// event establishes the session; message events fulfill pending requests.
func (c *Client) readStream(ctx context.Context, done chan struct{}) {
	defer close(done)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/sse", nil)
	if err != nil {
		c.logger.Printf("stream request failed: %v", err)
		return
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpc.Do(req)
	if err != nil {
		if ctx.Err() == nil {
			c.logger.Printf("stream connection failed: %v", err)
		}
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		c.logger.Printf("stream connection failed: status %d", resp.StatusCode)
		return
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), maxStreamLineBytes)
	eventType := ""
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		switch {
		case strings.HasPrefix(line, "event:"):
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			c.handleEvent(eventType, data)
			eventType = ""
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		c.logger.Printf("stream read error: %v", err)
	}
}

func (c *Client) handleEvent(eventType, data string) {
	switch eventType {
	case "endpoint":
		sid := sessionFromEndpoint(data)
		if sid == "" {
			return
		}
		c.mu.Lock()
		if c.sessionID == "" {
			c.sessionID = sid
		}
		c.mu.Unlock()
	case "message":
		var msg rpcMessage
		if err := json.Unmarshal([]byte(data), &msg); err != nil {
			c.logger.Printf("dropping malformed stream message: %v", err)
			return
		}
		c.mu.Lock()
		ch, ok := c.pending[msg.ID]
		c.mu.Unlock()
		if ok {
			// Buffered channel: the reader fulfills, the sender removes.
			select {
			case ch <- msg:
			default:
			}
		}
	}
}

// sessionFromEndpoint extracts session_id from an endpoint payload such as
// "/messages/?session_id=abc123&foo=bar".
func sessionFromEndpoint(data string) string {
	idx := strings.Index(data, "session_id=")
	if idx < 0 {
		return ""
	}
	sid := data[idx+len("session_id="):]
	if amp := strings.IndexByte(sid, '&'); amp >= 0 {
		sid = sid[:amp]
	}
	return sid
}

// Send transmits a JSON-RPC request carrying the current session id and
// awaits its fulfillment on the stream. A session-expiry response triggers
// exactly one reconnect-and-retry; a second expiry surfaces ErrSessionExpired.
func (c *Client) Send(ctx context.Context, method string, params map[string]any) (json.RawMessage, error) {
	return c.send(ctx, method, params, true)
}

func (c *Client) send(ctx context.Context, method string, params map[string]any, allowRetry bool) (json.RawMessage, error) {
	result, expiredStatus, sid, err := c.sendOnce(ctx, method, params)
	if expiredStatus == 0 {
		return result, err
	}
	if !allowRetry {
		return nil, ErrSessionExpired{Status: expiredStatus}
	}
	c.logger.Printf("session expired (%d) during %s, reconnecting", expiredStatus, method)
	if rerr := c.recover(ctx, sid); rerr != nil {
		return nil, rerr
	}
	result, expiredStatus, _, err = c.sendOnce(ctx, method, params)
	if expiredStatus != 0 {
		return nil, ErrSessionExpired{Status: expiredStatus}
	}
	return result, err
}

// sendOnce performs one transmission attempt and reports the session id it
// sent with. A non-zero expiredStatus means the server signalled the
// session is gone.
func (c *Client) sendOnce(ctx context.Context, method string, params map[string]any) (json.RawMessage, int, string, error) {
	c.mu.Lock()
	sid := c.sessionID
	if sid == "" {
		c.mu.Unlock()
		return nil, 0, "", fmt.Errorf("not connected: call Connect first")
	}
	c.nextID++
	id := c.nextID
	ch := make(chan rpcMessage, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	removePending := func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}

	req := rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}
	body, err := json.Marshal(req)
	if err != nil {
		removePending()
		return nil, 0, sid, err
	}

	url := fmt.Sprintf("%s/messages/?session_id=%s", c.baseURL, sid)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		removePending()
		return nil, 0, sid, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(httpReq)
	if err != nil {
		removePending()
		return nil, 0, sid, err
	}
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	resp.Body.Close()

	if resp.StatusCode >= 400 {
		removePending()
		if isSessionGone(resp.StatusCode, respBody) {
			return nil, resp.StatusCode, sid, nil
		}
		return nil, 0, sid, ErrToolServer{Status: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}

	select {
	case msg := <-ch:
		removePending()
		if msg.Error != nil {
			return nil, 0, sid, fmt.Errorf("rpc error %d calling %s: %s", msg.Error.Code, method, msg.Error.Message)
		}
		return msg.Result, 0, sid, nil
	case <-time.After(c.callTimeout):
		removePending()
		return nil, 0, sid, ErrCallTimeout{Method: method, Timeout: c.callTimeout}
	case <-ctx.Done():
		removePending()
		return nil, 0, sid, ctx.Err()
	}
}

// isSessionGone reports whether a client-error response indicates the
// session no longer exists. Servers signal this with 410, or 404 with a
// session-related message body.
func isSessionGone(status int, body []byte) bool {
	if status == http.StatusGone {
		return true
	}
	if status != http.StatusNotFound {
		return false
	}
	msg := string(body)
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error != "" {
		msg = payload.Error
	}
	return strings.Contains(strings.ToLower(msg), "session")
}

// recover reconnects after an expiry observed on the stale session.
// Concurrent senders are serialized; whichever loses the race finds the
// session already replaced and must not tear it down again.
func (c *Client) recover(ctx context.Context, stale string) error {
	c.reconnectMu.Lock()
	defer c.reconnectMu.Unlock()
	if sid := c.SessionID(); sid != "" && sid != stale {
		return nil
	}
	return c.Reconnect(ctx)
}

// Reconnect tears down the current stream, abandons in-flight requests
// (their callers receive a timeout) and establishes a fresh session.
func (c *Client) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	if c.cancelStream != nil {
		c.cancelStream()
	}
	done := c.streamDone
	c.sessionID = ""
	c.pending = make(map[int64]chan rpcMessage)
	c.mu.Unlock()

	if done != nil {
		<-done
	}

	if err := c.Connect(ctx); err != nil {
		return err
	}
	// Expiry during re-initialization must surface, not trigger another
	// reconnect cycle.
	if err := c.initialize(ctx, false); err != nil {
		return err
	}
	c.logger.Printf("reconnected (session %s...)", shortSession(c.SessionID()))
	return nil
}

// Close cancels the background stream and releases the transport. Safe to
// call more than once.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if c.cancelStream != nil {
		c.cancelStream()
	}
	done := c.streamDone
	c.sessionID = ""
	c.mu.Unlock()

	if done != nil {
		<-done
	}
	c.httpc.CloseIdleConnections()
}

func shortSession(sid string) string {
	if len(sid) > 8 {
		return sid[:8]
	}
	return sid
}
