package retrieval

import "context"

// Summarizer selects the handful of resources worth keeping from a pass's
// candidate pools. Implementations are expected to return 3-5 items in
// preference order.
type Summarizer interface {
	SelectTopResources(ctx context.Context, query string, web, charts []Candidate) ([]SelectedResource, error)
}

// HeuristicSummarizer is a model-free selector used when no API key is
// configured: charts first (they carry data the report can embed), then web
// results, up to the target count.
type HeuristicSummarizer struct {
	Target int
}

func (h HeuristicSummarizer) SelectTopResources(_ context.Context, _ string, web, charts []Candidate) ([]SelectedResource, error) {
	target := h.Target
	if target <= 0 {
		target = 5
	}
	var out []SelectedResource
	for _, c := range charts {
		if len(out) >= target {
			return out, nil
		}
		out = append(out, SelectedResource{URL: c.URL, Title: c.Title, Description: c.Description})
	}
	for _, c := range web {
		if len(out) >= target {
			return out, nil
		}
		out = append(out, SelectedResource{URL: c.URL, Title: c.Title, Description: c.Description})
	}
	return out, nil
}
