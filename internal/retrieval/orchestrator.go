package retrieval

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openreport/scout/config"
	"github.com/openreport/scout/internal/telemetry"
	"github.com/openreport/scout/tools/websearch"
)

const fallbackWebQueries = 2

// ErrProvider wraps a failure from an individual provider task. It is
// captured by the fan-out join and never aborts sibling tasks.
type ErrProvider struct {
	Provider string
	Query    string
	Err      error
}

func (e ErrProvider) Error() string {
	return fmt.Sprintf("%s search for %q failed: %v", e.Provider, e.Query, e.Err)
}

func (e ErrProvider) Unwrap() error { return e.Err }

// ChartProvider is the structured-knowledge side of retrieval.
type ChartProvider interface {
	Search(ctx context.Context, query string, effort Effort) ([]Candidate, error)
	ResolveRender(ctx context.Context, cardID, embedURL string) string
}

// Orchestrator fans retrieval out across providers, applies staged fallback
// when the knowledge wave comes back empty, deduplicates, and streams
// progress to a caller-supplied sink.
type Orchestrator struct {
	cfg        config.RetrievalConfig
	webResults int
	web        websearch.Searcher
	charts     ChartProvider
	summarizer Summarizer
	telemetry  *telemetry.Telemetry
	logger     *log.Logger
}

// NewOrchestrator wires the orchestrator's collaborators. telemetry may be nil.
func NewOrchestrator(cfg *config.Config, web websearch.Searcher, charts ChartProvider, summarizer Summarizer, tel *telemetry.Telemetry, logger *log.Logger) *Orchestrator {
	if logger == nil {
		logger = log.New(log.Writer(), "[ORCH] ", log.LstdFlags)
	}
	webResults := cfg.WebSearch.MaxResults
	if webResults <= 0 {
		webResults = 10
	}
	return &Orchestrator{
		cfg:        cfg.Retrieval,
		webResults: webResults,
		web:        web,
		charts:     charts,
		summarizer: summarizer,
		telemetry:  tel,
		logger:     logger,
	}
}

type providerTask struct {
	logIndex int
	run      func(ctx context.Context) ([]Candidate, error)
}

type taskOutcome struct {
	candidates []Candidate
	err        error
}

// Retrieve runs one orchestration pass against the given ledger. It always
// returns a result: provider failures degrade to missing candidates, and
// any failure of the orchestration itself is caught, logged as a final
// progress entry, and the state gathered so far is returned.
func (o *Orchestrator) Retrieve(ctx context.Context, req Request, ledger *Ledger, sink ProgressSink) (res Result) {
	plog := newProgressLog(sink)
	var admitted []Resource

	defer func() {
		if r := recover(); r != nil {
			o.logger.Printf("retrieval pass failed: %v", r)
			idx := plog.Append(fmt.Sprintf("Search encountered an error: %v", r))
			plog.MarkDone(idx)
			plog.Flush()
			res = Result{Admitted: admitted, Log: plog.Entries()}
		}
	}()

	webQueries := req.WebQueries
	if len(webQueries) > o.cfg.MaxWebSearches {
		webQueries = webQueries[:o.cfg.MaxWebSearches]
	}
	fast, deep := o.partition(req.Questions)

	// Wave 1: web queries and fast questions fan out together; deep
	// questions join the same launch but their charts are admitted to the
	// ledger as each task's results are folded in.
	var tasks []providerTask
	for _, q := range webQueries {
		tasks = append(tasks, providerTask{
			logIndex: plog.Append("Web search: " + q),
			run:      o.webTask(q),
		})
	}
	for _, q := range fast {
		tasks = append(tasks, providerTask{
			logIndex: plog.Append("Knowledge search: " + q.Text),
			run:      o.knowledgeTask(q.Text, EffortFast),
		})
	}
	for _, q := range deep {
		tasks = append(tasks, providerTask{
			logIndex: plog.Append("Deep knowledge search: " + q.Text),
			run:      o.knowledgeTask(q.Text, EffortDeep),
		})
	}

	var webPool, knowledgePool []Candidate
	if len(tasks) > 0 {
		plog.Flush()
		waveStart := time.Now()
		outcomes := fanOut(ctx, tasks)
		o.telemetry.RecordWave("wave1", time.Since(waveStart))

		cursor := 0
		for range webQueries {
			outcome := outcomes[cursor]
			if outcome.err != nil {
				o.logger.Printf("%v", outcome.err)
			} else {
				webPool = append(webPool, outcome.candidates...)
			}
			plog.MarkDone(tasks[cursor].logIndex)
			plog.Flush()
			cursor++
		}
		for range fast {
			outcome := outcomes[cursor]
			if outcome.err != nil {
				o.logger.Printf("%v", outcome.err)
			} else {
				knowledgePool = append(knowledgePool, outcome.candidates...)
			}
			plog.MarkDone(tasks[cursor].logIndex)
			plog.Flush()
			cursor++
		}
		for range deep {
			outcome := outcomes[cursor]
			if outcome.err != nil {
				o.logger.Printf("%v", outcome.err)
			} else {
				// Deep results stream straight into the ledger, one
				// progress update per admitted chart.
				for _, c := range outcome.candidates {
					if ledger.Contains(c.URL, c.Title, c.SourceType) {
						continue
					}
					r := o.chartResource(ctx, c)
					if ledger.Add(r) {
						admitted = append(admitted, r)
						plog.Flush()
					}
				}
				knowledgePool = append(knowledgePool, outcome.candidates...)
			}
			plog.MarkDone(tasks[cursor].logIndex)
			plog.Flush()
			cursor++
		}
	}

	// Wave 2: only when the combined knowledge results are empty. Two
	// independent fallback actions run in parallel: fast questions retried
	// as plain web queries, and prediction-market questions re-run at deep
	// effort (always allowed deep, feature flag notwithstanding).
	if len(knowledgePool) == 0 {
		fallback := fast
		if len(fallback) > fallbackWebQueries {
			fallback = fallback[:fallbackWebQueries]
		}
		var pm []StructuredQuestion
		for _, q := range req.Questions {
			if q.Category == CategoryPredictionMarket {
				pm = append(pm, q)
			}
		}

		var tasks2 []providerTask
		for _, q := range fallback {
			tasks2 = append(tasks2, providerTask{
				logIndex: plog.Append("Fallback web search: " + q.Text),
				run:      o.webTask(q.Text),
			})
		}
		for _, q := range pm {
			tasks2 = append(tasks2, providerTask{
				logIndex: plog.Append("Prediction market search: " + q.Text),
				run:      o.knowledgeTask(q.Text, EffortDeep),
			})
		}

		if len(tasks2) > 0 {
			plog.Flush()
			waveStart := time.Now()
			outcomes := fanOut(ctx, tasks2)
			o.telemetry.RecordWave("wave2", time.Since(waveStart))

			for i, outcome := range outcomes {
				if outcome.err != nil {
					o.logger.Printf("%v", outcome.err)
				} else if i < len(fallback) {
					webPool = append(webPool, outcome.candidates...)
				} else {
					knowledgePool = append(knowledgePool, outcome.candidates...)
				}
				plog.MarkDone(tasks2[i].logIndex)
				plog.Flush()
			}
		}
	}

	chartPool := dedupeChartsByTitle(knowledgePool)
	if removed := len(knowledgePool) - len(chartPool); removed > 0 {
		o.logger.Printf("removed %d duplicate charts by title", removed)
	}

	selIdx := plog.Append("Selecting most relevant resources...")
	plog.Flush()

	selected, err := o.summarizer.SelectTopResources(ctx, req.Query, webPool, chartPool)
	if err != nil {
		o.logger.Printf("resource selection failed: %v", err)
		plog.MarkDone(selIdx)
		plog.Flush()
		return Result{Admitted: admitted, Log: plog.Entries()}
	}

	resources := o.tagSelections(ctx, selected, webPool, chartPool)

	newly := ledger.Admit(resources)
	admitted = append(admitted, newly...)
	o.telemetry.RecordAdmissions(len(newly), len(resources)-len(newly))
	o.logger.Printf("admitted %d of %d selected resources (ledger %d/%d)",
		len(newly), len(resources), ledger.Len(), ledger.Capacity())

	plog.MarkDone(selIdx)
	plog.Flush()
	return Result{Admitted: admitted, Log: plog.Entries()}
}

// partition splits questions by effort. Unless deep queries are enabled,
// only prediction-market questions keep their deep effort; other deep
// questions are dropped in that mode.
func (o *Orchestrator) partition(questions []StructuredQuestion) (fast, deep []StructuredQuestion) {
	for _, q := range questions {
		switch q.Effort {
		case EffortDeep:
			if o.cfg.EnableDeepQueries || q.Category == CategoryPredictionMarket {
				deep = append(deep, q)
			}
		default:
			fast = append(fast, q)
		}
	}
	return fast, deep
}

func (o *Orchestrator) webTask(query string) func(ctx context.Context) ([]Candidate, error) {
	return func(ctx context.Context) ([]Candidate, error) {
		results, err := o.web.Search(ctx, query, o.webResults)
		o.telemetry.RecordSearch("web", err)
		if err != nil {
			return nil, ErrProvider{Provider: "web", Query: query, Err: err}
		}
		out := make([]Candidate, 0, len(results))
		for _, r := range results {
			out = append(out, Candidate{
				SourceType:  SourceWeb,
				URL:         r.URL,
				Title:       r.Title,
				Description: r.Snippet,
			})
		}
		return out, nil
	}
}

func (o *Orchestrator) knowledgeTask(query string, effort Effort) func(ctx context.Context) ([]Candidate, error) {
	return func(ctx context.Context) ([]Candidate, error) {
		candidates, err := o.charts.Search(ctx, query, effort)
		o.telemetry.RecordSearch("knowledge", err)
		if err != nil {
			return nil, ErrProvider{Provider: "knowledge", Query: query, Err: err}
		}
		return candidates, nil
	}
}

// fanOut runs tasks concurrently and collects each outcome as a value.
// A task's failure or panic never cancels its siblings.
func fanOut(ctx context.Context, tasks []providerTask) []taskOutcome {
	outcomes := make([]taskOutcome, len(tasks))
	var wg sync.WaitGroup
	for i, t := range tasks {
		wg.Add(1)
		go func(i int, run func(ctx context.Context) ([]Candidate, error)) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					outcomes[i] = taskOutcome{err: ErrProvider{Provider: "task", Err: fmt.Errorf("panic: %v", r)}}
				}
			}()
			candidates, err := run(ctx)
			outcomes[i] = taskOutcome{candidates: candidates, err: err}
		}(i, t.run)
	}
	wg.Wait()
	return outcomes
}

// dedupeChartsByTitle keeps the first occurrence of each chart title.
// Charts without a title are never merged away.
func dedupeChartsByTitle(charts []Candidate) []Candidate {
	seen := make(map[string]struct{}, len(charts))
	out := make([]Candidate, 0, len(charts))
	for _, c := range charts {
		if c.Title == "" {
			out = append(out, c)
			continue
		}
		if _, ok := seen[c.Title]; ok {
			continue
		}
		seen[c.Title] = struct{}{}
		out = append(out, c)
	}
	return out
}

// tagSelections attaches provenance to each selected item by matching it
// back against the candidate pools, and resolves render payloads for chart
// items that do not already carry one.
func (o *Orchestrator) tagSelections(ctx context.Context, selected []SelectedResource, webPool, chartPool []Candidate) []Resource {
	resources := make([]Resource, 0, len(selected))
	for _, sel := range selected {
		r := Resource{
			ID:          uuid.NewString(),
			URL:         sel.URL,
			Title:       sel.Title,
			Description: sel.Description,
			AddedAt:     time.Now(),
		}

		matched := false
		for _, chart := range chartPool {
			if sel.URL == chart.URL || (chart.CardID != "" && sel.Title == chart.Title) {
				r.SourceType = SourceChart
				r.Source = "Knowledge Base"
				r.CardID = chart.CardID
				r.EmbedURL = chart.EmbedURL
				r.Content = chart.Description
				matched = true
				break
			}
		}
		if !matched {
			r.SourceType = SourceWeb
			r.Source = "Web Search"
			for _, web := range webPool {
				if web.URL == sel.URL {
					r.Content = web.Description
					break
				}
			}
		}

		if r.SourceType == SourceChart && r.IframeHTML == "" && (r.CardID != "" || r.EmbedURL != "") {
			r.IframeHTML = o.charts.ResolveRender(ctx, r.CardID, r.EmbedURL)
		}
		resources = append(resources, r)
	}
	return resources
}

// chartResource builds a full ledger entry for a chart candidate, resolving
// its render payload on demand.
func (o *Orchestrator) chartResource(ctx context.Context, c Candidate) Resource {
	return Resource{
		ID:          uuid.NewString(),
		URL:         c.URL,
		Title:       c.Title,
		Description: c.Description,
		Content:     c.Description,
		SourceType:  SourceChart,
		Source:      "Knowledge Base",
		CardID:      c.CardID,
		EmbedURL:    c.EmbedURL,
		IframeHTML:  o.charts.ResolveRender(ctx, c.CardID, c.EmbedURL),
		AddedAt:     time.Now(),
	}
}
