package server

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/openreport/scout/config"
	"github.com/openreport/scout/internal/mcp"
	"github.com/openreport/scout/internal/retrieval"
	"github.com/openreport/scout/tools/websearch/models"
)

type stubWeb struct {
	results []models.Result
}

func (s stubWeb) Search(context.Context, string, int) ([]models.Result, error) {
	return s.results, nil
}

type stubCharts struct {
	results []retrieval.Candidate
}

func (s stubCharts) Search(context.Context, string, retrieval.Effort) ([]retrieval.Candidate, error) {
	return s.results, nil
}

func (s stubCharts) ResolveRender(context.Context, string, string) string {
	return "<iframe></iframe>"
}

type stubGraph struct {
	gc  retrieval.GraphContext
	err error
}

func (s stubGraph) ExploreGraph(context.Context, string, []string, int) (retrieval.GraphContext, error) {
	return s.gc, s.err
}

func newTestHandler(t *testing.T) *handler {
	t.Helper()
	cfg := &config.Config{
		WebSearch: config.WebSearchConfig{MaxResults: 5},
		Retrieval: config.RetrievalConfig{MaxWebSearches: 1, MaxResources: 10, KnowledgeCount: 5},
	}
	logger := log.New(io.Discard, "", 0)

	web := stubWeb{results: []models.Result{{Title: "news", URL: "https://w/1", Snippet: "s"}}}
	charts := stubCharts{results: []retrieval.Candidate{{
		SourceType: retrieval.SourceChart,
		URL:        "https://kb/card/1",
		Title:      "GDP",
		CardID:     "c1",
	}}}
	orch := retrieval.NewOrchestrator(cfg, web, charts, retrieval.HeuristicSummarizer{}, nil, logger)

	// Points at nothing; the lazy connect in the handler must fail fast and
	// degrade rather than block the pass.
	client := mcp.NewClient("http://127.0.0.1:1", logger,
		mcp.WithTimeouts(50*time.Millisecond, 50*time.Millisecond))
	t.Cleanup(client.Close)

	return &handler{
		cfg:          cfg,
		orchestrator: orch,
		client:       client,
		knowledge: stubGraph{gc: retrieval.GraphContext{
			Entities:     []retrieval.GraphNode{{Name: "US"}},
			Metrics:      []retrieval.GraphNode{{Name: "GDP"}},
			TotalMatches: 2,
		}},
		logger:        logger,
		conversations: newConversationRegistry(cfg.Retrieval.MaxResources),
	}
}

func doRetrieve(t *testing.T, h *handler, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/retrieve", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	if err := h.retrieve(e.NewContext(req, rec)); err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	return rec
}

func TestRetrieveRequiresConversationID(t *testing.T) {
	h := newTestHandler(t)
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/retrieve", strings.NewReader(`{"query":"x"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()

	err := h.retrieve(e.NewContext(req, rec))
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusBadRequest {
		t.Fatalf("error = %v, want 400", err)
	}
}

func TestRetrieveAccumulatesPerConversation(t *testing.T) {
	h := newTestHandler(t)
	body := `{
		"conversation_id": "conv-1",
		"query": "economy",
		"web_queries": ["econ news"],
		"structured_questions": [{"text": "gdp", "effort": "fast"}]
	}`

	rec := doRetrieve(t, h, body, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	var res retrieveResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("bad response body: %v", err)
	}
	if len(res.Admitted) != 2 || len(res.Resources) != 2 {
		t.Fatalf("first pass admitted %d, resources %d, want 2 and 2", len(res.Admitted), len(res.Resources))
	}
	for _, e := range res.Log {
		if !e.Done {
			t.Fatalf("log entry still pending: %+v", e)
		}
	}

	// The same candidates on the next turn are duplicates.
	rec = doRetrieve(t, h, body, nil)
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("bad response body: %v", err)
	}
	if len(res.Admitted) != 0 || len(res.Resources) != 2 {
		t.Fatalf("second pass admitted %d, resources %d, want 0 and 2", len(res.Admitted), len(res.Resources))
	}
}

func TestRetrieveStreamEmitsProgressAndResult(t *testing.T) {
	h := newTestHandler(t)
	body := `{"conversation_id": "conv-2", "query": "economy", "web_queries": ["econ news"]}`

	rec := doRetrieve(t, h, body, map[string]string{"Accept": "text/event-stream"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get(echo.HeaderContentType); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}
	out := rec.Body.String()
	if !strings.Contains(out, "event: progress") {
		t.Fatalf("stream has no progress frames: %q", out)
	}
	if !strings.Contains(out, "event: result") {
		t.Fatalf("stream has no result frame: %q", out)
	}
	if strings.LastIndex(out, "event: progress") > strings.Index(out, "event: result") {
		t.Fatal("progress frame emitted after the result frame")
	}
}

func TestPendingQuestionsClearedAfterPass(t *testing.T) {
	h := newTestHandler(t)
	body := `{
		"conversation_id": "conv-3",
		"query": "economy",
		"structured_questions": [{"text": "gdp", "effort": "fast"}]
	}`
	doRetrieve(t, h, body, nil)

	conv := h.conversations.get("conv-3")
	conv.mu.Lock()
	pending := len(conv.pending)
	conv.mu.Unlock()
	if pending != 0 {
		t.Fatalf("conversation kept %d pending questions after the pass", pending)
	}
}

func TestGraphRequiresQuery(t *testing.T) {
	h := newTestHandler(t)
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/graph", nil)
	rec := httptest.NewRecorder()

	err := h.graph(e.NewContext(req, rec))
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusBadRequest {
		t.Fatalf("error = %v, want 400", err)
	}
}

func TestGraphReturnsContext(t *testing.T) {
	h := newTestHandler(t)
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/graph?query=economy", nil)
	rec := httptest.NewRecorder()

	if err := h.graph(e.NewContext(req, rec)); err != nil {
		t.Fatalf("graph: %v", err)
	}
	var res struct {
		Graph   retrieval.GraphContext `json:"graph"`
		Context string                 `json:"context"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("bad response body: %v", err)
	}
	if res.Graph.TotalMatches != 2 || len(res.Graph.Entities) != 1 {
		t.Fatalf("graph = %+v", res.Graph)
	}
	if !strings.Contains(res.Context, "KNOWLEDGE BASE CONTEXT:") || !strings.Contains(res.Context, "Metrics: GDP") {
		t.Fatalf("context = %q", res.Context)
	}
}

func TestGraphUpstreamFailure(t *testing.T) {
	h := newTestHandler(t)
	h.knowledge = stubGraph{err: context.DeadlineExceeded}
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/graph?query=economy", nil)
	rec := httptest.NewRecorder()

	err := h.graph(e.NewContext(req, rec))
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusBadGateway {
		t.Fatalf("error = %v, want 502", err)
	}
}

func TestResourcesEndpoint(t *testing.T) {
	h := newTestHandler(t)
	doRetrieve(t, h, `{"conversation_id": "conv-4", "query": "q", "web_queries": ["w"]}`, nil)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/conversations/conv-4/resources", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues("conv-4")

	if err := h.resources(c); err != nil {
		t.Fatalf("resources: %v", err)
	}
	var res struct {
		Resources []retrieval.Resource `json:"resources"`
		Remaining int                  `json:"remaining"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("bad response body: %v", err)
	}
	if len(res.Resources) == 0 {
		t.Fatal("no resources reported for an accumulated conversation")
	}
	if res.Remaining != 10-len(res.Resources) {
		t.Fatalf("remaining = %d with %d resources", res.Remaining, len(res.Resources))
	}
}
