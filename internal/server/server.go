package server

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/openreport/scout/config"
	"github.com/openreport/scout/internal/mcp"
	"github.com/openreport/scout/internal/retrieval"
	"github.com/openreport/scout/internal/telemetry"
	"github.com/openreport/scout/tools/websearch"
)

// Run wires all dependencies and serves the retrieval API.
func Run(cfg *config.Config) error {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())

	// Unified HTTP error handler with structured JSON and logging
	baseLogger := log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		baseLogger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, map[string]interface{}{"error": msg})
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST", "OPTIONS"},
		AllowHeaders: []string{"Content-Type", "Accept"},
	}))

	var tel *telemetry.Telemetry
	if cfg.Telemetry.Enabled {
		tel = telemetry.New()
	}

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/metrics", echo.WrapHandler(tel.Handler()))

	// One protocol client for the whole process, reused across turns.
	mcpLogger := log.New(log.Writer(), "[MCP] ", log.LstdFlags)
	client := mcp.NewClient(cfg.ToolServer.URL, mcpLogger,
		mcp.WithTimeouts(cfg.ToolServer.ConnectTimeout, cfg.ToolServer.CallTimeout))
	if err := connectClient(context.Background(), client); err != nil {
		// The tool server may come up later; searches degrade to empty
		// until the next pass reconnects.
		mcpLogger.Printf("initial connect failed: %v", err)
	}
	defer client.Close()

	invoker := mcp.NewInvoker(client, mcpLogger)
	knowledge := retrieval.NewKnowledgeProvider(
		invoker,
		cfg.ToolServer.APIToken,
		cfg.ToolServer.DataSourceURL,
		cfg.Retrieval.KnowledgeCount,
		cfg.Retrieval.RenderCacheTTL,
		log.New(log.Writer(), "[KNOW] ", log.LstdFlags),
	)

	web, err := newWebSearcher(cfg.WebSearch)
	if err != nil {
		return err
	}

	var summarizer retrieval.Summarizer
	if cfg.Summarizer.APIKey != "" {
		summarizer = retrieval.NewOpenAISummarizer(cfg.Summarizer, log.New(log.Writer(), "[SUM] ", log.LstdFlags))
	} else {
		baseLogger.Printf("no summarizer api key configured, using heuristic selection")
		summarizer = retrieval.HeuristicSummarizer{}
	}

	orchLogger := log.New(log.Writer(), "[ORCH] ", log.LstdFlags)
	orch := retrieval.NewOrchestrator(cfg, web, knowledge, summarizer, tel, orchLogger)

	h := &handler{
		cfg:           cfg,
		orchestrator:  orch,
		client:        client,
		knowledge:     knowledge,
		telemetry:     tel,
		logger:        baseLogger,
		conversations: newConversationRegistry(cfg.Retrieval.MaxResources),
	}

	api := e.Group("/api")
	api.POST("/retrieve", h.retrieve)
	api.GET("/graph", h.graph)
	api.GET("/conversations/:id/resources", h.resources)

	return e.Start(cfg.Server.Addr)
}

func newWebSearcher(cfg config.WebSearchConfig) (websearch.Searcher, error) {
	provider := websearch.Provider(cfg.Provider)
	var key string
	switch provider {
	case websearch.TavilyProvider:
		key = cfg.TavilyAPIKey
	case websearch.SerperProvider:
		key = cfg.SerperAPIKey
	case websearch.BraveProvider:
		key = cfg.BraveAPIKey
	}
	return websearch.NewSearcher(provider, key)
}

func connectClient(ctx context.Context, client *mcp.Client) error {
	if err := client.Connect(ctx); err != nil {
		return err
	}
	return client.Initialize(ctx)
}
