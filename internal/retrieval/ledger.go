package retrieval

import "strings"

// Ledger is the bounded, deduplicated accumulation of resources for one
// conversation. Uniqueness is by URL, and additionally by lowercase title
// for chart entries since the same chart can be reachable via different
// URLs. Entries beyond capacity are dropped, never evicted once admitted.
//
// The ledger is mutated only by the orchestrator's sequential code between
// fan-out joins; it needs no internal locking.
type Ledger struct {
	capacity    int
	entries     []Resource
	urls        map[string]struct{}
	chartTitles map[string]struct{}
}

// NewLedger creates a ledger with a hard capacity.
func NewLedger(capacity int) *Ledger {
	return &Ledger{
		capacity:    capacity,
		urls:        make(map[string]struct{}),
		chartTitles: make(map[string]struct{}),
	}
}

func (l *Ledger) Len() int      { return len(l.entries) }
func (l *Ledger) Capacity() int { return l.capacity }

// Remaining reports how many new entries may still be admitted.
func (l *Ledger) Remaining() int {
	r := l.capacity - len(l.entries)
	if r < 0 {
		return 0
	}
	return r
}

// Contains reports whether an equivalent entry was already admitted.
// Charts match on URL or title; everything else on URL only.
func (l *Ledger) Contains(url, title string, sourceType SourceType) bool {
	if url != "" {
		if _, ok := l.urls[url]; ok {
			return true
		}
	}
	if sourceType == SourceChart {
		key := strings.ToLower(strings.TrimSpace(title))
		if key != "" {
			if _, ok := l.chartTitles[key]; ok {
				return true
			}
		}
	}
	return false
}

// Add admits a single resource. It returns false when the entry is a
// duplicate or the ledger is full.
func (l *Ledger) Add(r Resource) bool {
	if l.Remaining() == 0 {
		return false
	}
	if l.Contains(r.URL, r.Title, r.SourceType) {
		return false
	}
	l.entries = append(l.entries, r)
	if r.URL != "" {
		l.urls[r.URL] = struct{}{}
	}
	if r.SourceType == SourceChart {
		if key := strings.ToLower(strings.TrimSpace(r.Title)); key != "" {
			l.chartTitles[key] = struct{}{}
		}
	}
	return true
}

// Admit adds resources in order until capacity runs out, skipping
// duplicates, and returns the entries actually admitted.
func (l *Ledger) Admit(resources []Resource) []Resource {
	var admitted []Resource
	for _, r := range resources {
		if l.Add(r) {
			admitted = append(admitted, r)
		}
	}
	return admitted
}

// Resources returns a snapshot of all admitted entries.
func (l *Ledger) Resources() []Resource {
	out := make([]Resource, len(l.entries))
	copy(out, l.entries)
	return out
}
