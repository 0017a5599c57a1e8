package retrieval

import (
	"time"
)

// SourceType tags where a retrieved item came from.
type SourceType string

const (
	SourceWeb   SourceType = "web"
	SourceChart SourceType = "chart"
)

// Effort is the requested search depth tier for a structured question.
type Effort string

const (
	EffortFast Effort = "fast"
	EffortDeep Effort = "deep"
)

// Category classifies a structured question; it determines which
// orchestration wave and fallback rule apply.
type Category string

const (
	CategoryBasic            Category = "basic"
	CategoryComplex          Category = "complex"
	CategoryPredictionMarket Category = "prediction_market"
)

// StructuredQuestion is a data-focused question routed to the knowledge provider.
type StructuredQuestion struct {
	Text     string   `json:"text"`
	Effort   Effort   `json:"effort"`
	Category Category `json:"category"`
}

// Candidate is a provider result that has not been admitted to the ledger.
// It exists only within one orchestration pass.
type Candidate struct {
	SourceType  SourceType `json:"source_type"`
	URL         string     `json:"url"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	CardID      string     `json:"card_id,omitempty"`
	EmbedURL    string     `json:"embed_url,omitempty"`
}

// Resource is a ledger entry: a candidate plus provenance and render metadata.
type Resource struct {
	ID          string     `json:"id"`
	URL         string     `json:"url"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Content     string     `json:"content,omitempty"`
	SourceType  SourceType `json:"source_type"`
	Source      string     `json:"source"`
	CardID      string     `json:"card_id,omitempty"`
	EmbedURL    string     `json:"embed_url,omitempty"`
	IframeHTML  string     `json:"iframe_html,omitempty"`
	AddedAt     time.Time  `json:"added_at"`
}

// SelectedResource is what the summarizer returns for each chosen item.
type SelectedResource struct {
	URL         string `json:"url"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

// Request is one retrieval pass for a conversation turn.
type Request struct {
	Query      string               `json:"query"`
	WebQueries []string             `json:"web_queries"`
	Questions  []StructuredQuestion `json:"structured_questions"`
}

// Result is the best-effort outcome of one pass. Admitted lists only the
// entries added by this pass; the ledger holds the full accumulation.
type Result struct {
	Admitted []Resource      `json:"admitted"`
	Log      []ProgressEntry `json:"log"`
}
