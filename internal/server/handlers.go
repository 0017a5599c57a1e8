package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"

	"github.com/labstack/echo/v4"

	"github.com/openreport/scout/config"
	"github.com/openreport/scout/internal/mcp"
	"github.com/openreport/scout/internal/retrieval"
	"github.com/openreport/scout/internal/telemetry"
)

// graphExplorer is the slice of the knowledge provider the graph endpoint
// uses; tests substitute fakes.
type graphExplorer interface {
	ExploreGraph(ctx context.Context, query string, nodeTypes []string, limit int) (retrieval.GraphContext, error)
}

type handler struct {
	cfg           *config.Config
	orchestrator  *retrieval.Orchestrator
	client        *mcp.Client
	knowledge     graphExplorer
	telemetry     *telemetry.Telemetry
	logger        *log.Logger
	conversations *conversationRegistry

	// Serializes the lazy connect so concurrent requests during a
	// tool-server outage share one attempt.
	connectMu sync.Mutex
}

type retrieveRequest struct {
	ConversationID      string                         `json:"conversation_id"`
	Query               string                         `json:"query"`
	WebQueries          []string                       `json:"web_queries"`
	StructuredQuestions []retrieval.StructuredQuestion `json:"structured_questions"`
}

type retrieveResponse struct {
	Admitted  []retrieval.Resource      `json:"admitted"`
	Resources []retrieval.Resource      `json:"resources"`
	Log       []retrieval.ProgressEntry `json:"log"`
}

// retrieve runs one orchestration pass for a conversation turn. With
// Accept: text/event-stream the handler streams progress frames before the
// final result; otherwise it answers with a single JSON document.
func (h *handler) retrieve(c echo.Context) error {
	var req retrieveRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.ConversationID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "conversation_id is required")
	}

	conv := h.conversations.get(req.ConversationID)
	conv.mu.Lock()
	defer conv.mu.Unlock()

	questions := req.StructuredQuestions
	if len(questions) == 0 {
		questions = conv.pending
	}
	conv.pending = questions
	defer func() { conv.pending = nil }()

	ctx := c.Request().Context()

	// The shared client may have failed its startup connect; one session is
	// established lazily and then reused for the process lifetime.
	h.connectMu.Lock()
	if h.client.SessionID() == "" {
		if err := connectClient(ctx, h.client); err != nil {
			h.logger.Printf("tool server unavailable, knowledge searches will be empty: %v", err)
		} else {
			h.telemetry.RecordReconnect()
		}
	}
	h.connectMu.Unlock()

	pass := retrieval.Request{
		Query:      req.Query,
		WebQueries: req.WebQueries,
		Questions:  questions,
	}

	if wantsEventStream(c.Request()) {
		return h.retrieveStream(c, pass, conv)
	}

	result := h.orchestrator.Retrieve(ctx, pass, conv.ledger, retrieval.NopSink)
	return c.JSON(http.StatusOK, retrieveResponse{
		Admitted:  result.Admitted,
		Resources: conv.ledger.Resources(),
		Log:       result.Log,
	})
}

// retrieveStream mirrors the push protocol this service consumes: progress
// flushes become `progress` events, the final state a `result` event.
func (h *handler) retrieveStream(c echo.Context, pass retrieval.Request, conv *conversation) error {
	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "text/event-stream")
	resp.Header().Set("Cache-Control", "no-cache")
	resp.Header().Set("Connection", "keep-alive")
	resp.WriteHeader(http.StatusOK)

	sink := retrieval.SinkFunc(func(entries []retrieval.ProgressEntry) {
		writeEvent(resp, "progress", entries)
	})

	result := h.orchestrator.Retrieve(c.Request().Context(), pass, conv.ledger, sink)
	writeEvent(resp, "result", retrieveResponse{
		Admitted:  result.Admitted,
		Resources: conv.ledger.Resources(),
		Log:       result.Log,
	})
	return nil
}

// graph is a diagnostic view over the knowledge graph around a query:
// related entities, metrics, cohorts and time periods, plus the formatted
// context block consumers feed to a model.
func (h *handler) graph(c echo.Context) error {
	query := c.QueryParam("query")
	if query == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "query is required")
	}

	gc, err := h.knowledge.ExploreGraph(c.Request().Context(), query, nil, 0)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, "knowledge graph unavailable")
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"graph":   gc,
		"context": retrieval.FormatGraphContext(gc),
	})
}

func (h *handler) resources(c echo.Context) error {
	conv := h.conversations.get(c.Param("id"))
	conv.mu.Lock()
	defer conv.mu.Unlock()
	return c.JSON(http.StatusOK, map[string]interface{}{
		"resources": conv.ledger.Resources(),
		"remaining": conv.ledger.Remaining(),
	})
}

func wantsEventStream(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/event-stream")
}

func writeEvent(resp *echo.Response, event string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(resp, "event: %s\ndata: %s\n\n", event, data)
	resp.Flush()
}
