package retrieval

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	cache "github.com/patrickmn/go-cache"

	"github.com/openreport/scout/internal/mcp"
)

// ToolInvoker is the slice of the protocol layer the knowledge provider
// uses; tests substitute fakes.
type ToolInvoker interface {
	Call(ctx context.Context, name string, args map[string]any) (*mcp.ToolResult, error)
	CallJSON(ctx context.Context, name string, args map[string]any) (json.RawMessage, error)
}

// KnowledgeProvider searches the structured knowledge base through the tool
// server and resolves chart render payloads.
type KnowledgeProvider struct {
	invoker       ToolInvoker
	apiToken      string
	dataSourceURL string
	count         int
	renders       *cache.Cache
	logger        *log.Logger
}

// NewKnowledgeProvider builds a provider. dataSourceURL is used to derive
// card and embed URLs when the server omits them.
func NewKnowledgeProvider(invoker ToolInvoker, apiToken, dataSourceURL string, count int, renderTTL time.Duration, logger *log.Logger) *KnowledgeProvider {
	if logger == nil {
		logger = log.New(log.Writer(), "[KNOW] ", log.LstdFlags)
	}
	if count <= 0 {
		count = 5
	}
	if renderTTL <= 0 {
		renderTTL = 15 * time.Minute
	}
	return &KnowledgeProvider{
		invoker:       invoker,
		apiToken:      apiToken,
		dataSourceURL: strings.TrimRight(dataSourceURL, "/"),
		count:         count,
		renders:       cache.New(renderTTL, 2*renderTTL),
		logger:        logger,
	}
}

// Search queries the knowledge base at the given effort and returns chart
// candidates. A tool failure degrades to no results.
func (k *KnowledgeProvider) Search(ctx context.Context, query string, effort Effort) ([]Candidate, error) {
	args := map[string]any{
		"query":         query,
		"api_token":     k.apiToken,
		"count":         k.count,
		"search_effort": string(effort),
		"country_code":  "US",
		"locale":        "en-US",
	}
	raw, err := k.invoker.CallJSON(ctx, "knowledge_search", args)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}

	var res struct {
		Results []struct {
			ID          string `json:"id"`
			CardID      string `json:"card_id"`
			Title       string `json:"title"`
			Description string `json:"description"`
			URL         string `json:"url"`
			OpenUIArgs  struct {
				PubID string `json:"pub_id"`
			} `json:"open_ui_args"`
		} `json:"results"`
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		k.logger.Printf("knowledge_search returned unexpected payload: %v", err)
		return nil, nil
	}

	out := make([]Candidate, 0, len(res.Results))
	for _, item := range res.Results {
		id := item.OpenUIArgs.PubID
		if id == "" {
			id = item.CardID
		}
		if id == "" {
			id = item.ID
		}
		url := item.URL
		if url == "" && id != "" {
			url = fmt.Sprintf("%s/card/%s", k.dataSourceURL, id)
		}
		embedURL := ""
		if id != "" {
			embedURL = fmt.Sprintf("%s/embed/%s/?theme=dark", k.dataSourceURL, id)
		}
		out = append(out, Candidate{
			SourceType:  SourceChart,
			URL:         url,
			Title:       item.Title,
			Description: item.Description,
			CardID:      id,
			EmbedURL:    embedURL,
		})
	}
	k.logger.Printf("knowledge search returned %d results for %q (effort=%s)", len(out), query, effort)
	return out, nil
}

// GraphContext summarizes entities discovered around a query.
type GraphContext struct {
	Entities     []GraphNode `json:"entities"`
	Metrics      []GraphNode `json:"metrics"`
	Cohorts      []GraphNode `json:"cohorts"`
	TimePeriods  []string    `json:"time_periods"`
	TotalMatches int         `json:"total_matches"`
}

// GraphNode is a named node in the knowledge graph.
type GraphNode struct {
	Name string `json:"name"`
}

// ExploreGraph discovers entities, metrics, cohorts and time periods
// related to the query. Failures degrade to an empty context.
func (k *KnowledgeProvider) ExploreGraph(ctx context.Context, query string, nodeTypes []string, limit int) (GraphContext, error) {
	if limit <= 0 {
		limit = 10
	}
	args := map[string]any{
		"query":     query,
		"api_token": k.apiToken,
		"limit":     limit,
	}
	if len(nodeTypes) > 0 {
		args["node_types"] = nodeTypes
	}
	raw, err := k.invoker.CallJSON(ctx, "explore_knowledge_graph", args)
	if err != nil {
		return GraphContext{}, err
	}
	if raw == nil {
		return GraphContext{}, nil
	}
	var gc GraphContext
	if err := json.Unmarshal(raw, &gc); err != nil {
		k.logger.Printf("explore_knowledge_graph returned unexpected payload: %v", err)
		return GraphContext{}, nil
	}
	return gc, nil
}

// FormatGraphContext renders a graph context as a short plain-text block
// suitable for model context. Empty contexts render as an empty string.
func FormatGraphContext(gc GraphContext) string {
	var parts []string
	if len(gc.Entities) > 0 {
		parts = append(parts, "Entities: "+joinNames(gc.Entities, 5))
	}
	if len(gc.Metrics) > 0 {
		parts = append(parts, "Metrics: "+joinNames(gc.Metrics, 5))
	}
	if len(gc.Cohorts) > 0 {
		parts = append(parts, "Cohorts: "+joinNames(gc.Cohorts, 3))
	}
	if len(gc.TimePeriods) > 0 {
		periods := gc.TimePeriods
		if len(periods) > 3 {
			periods = periods[:3]
		}
		parts = append(parts, "Time Periods: "+strings.Join(periods, ", "))
	}
	if len(parts) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("KNOWLEDGE BASE CONTEXT:")
	for _, p := range parts {
		b.WriteString("\n  - ")
		b.WriteString(p)
	}
	return b.String()
}

func joinNames(nodes []GraphNode, limit int) string {
	if len(nodes) > limit {
		nodes = nodes[:limit]
	}
	names := make([]string, 0, len(nodes))
	for _, n := range nodes {
		names = append(names, n.Name)
	}
	return strings.Join(names, ", ")
}

// ResolveRender returns embeddable HTML for a chart, preferring the render
// tool and falling back to a static iframe around the embed URL. Resolved
// payloads are cached; they are immutable per card.
func (k *KnowledgeProvider) ResolveRender(ctx context.Context, cardID, embedURL string) string {
	key := cardID
	if key == "" {
		key = embedURL
	}
	if key != "" {
		if cached, ok := k.renders.Get(key); ok {
			return cached.(string)
		}
	}

	html := ""
	if cardID != "" {
		result, err := k.invoker.Call(ctx, "open_chart_ui", map[string]any{
			"pub_id":    cardID,
			"dark_mode": true,
			"width":     900,
			"height":    600,
		})
		if err == nil && result != nil {
			if resource, ok := result.FirstResource(); ok {
				html = resource.HTML()
			}
			if html == "" {
				k.logger.Printf("no render payload for card %s", cardID)
			}
		}
	}
	if html == "" && embedURL != "" {
		html = fallbackIframe(embedURL)
	}
	if html != "" && key != "" {
		k.renders.SetDefault(key, html)
	}
	return html
}

// fallbackIframe wraps an embed URL in an iframe that resizes itself from
// the chart's postMessage events.
func fallbackIframe(embedURL string) string {
	return fmt.Sprintf(`<iframe
  width="100%%"
  height="600"
  src="%s"
  scrolling="no"
  frameborder="0"
  style="display: block; border: none;"
></iframe>

<script type="text/javascript">
!function() {
  "use strict";
  window.addEventListener("message", function(e) {
    const d = e.data;
    if (d.type !== "tako::resize") return;

    for (let iframe of document.querySelectorAll("iframe")) {
      if (iframe.contentWindow !== e.source) continue;
      iframe.style.height = d.height + "px";
    }
  });
}();
</script>`, embedURL)
}
