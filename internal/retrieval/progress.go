package retrieval

// ProgressEntry is one observable line of retrieval progress.
type ProgressEntry struct {
	Message string `json:"message"`
	Done    bool   `json:"done"`
}

// ProgressSink receives snapshots of the progress log as it evolves.
// Implementations must not retain the slice.
type ProgressSink interface {
	Emit(entries []ProgressEntry)
}

// SinkFunc adapts a function to the ProgressSink interface.
type SinkFunc func(entries []ProgressEntry)

func (f SinkFunc) Emit(entries []ProgressEntry) { f(entries) }

// NopSink discards progress updates.
var NopSink ProgressSink = SinkFunc(func([]ProgressEntry) {})

// progressLog is the ordered, in-place-mutated log for one pass. The index
// returned by append is fixed at launch time, so done flips stay
// attributable even when tasks finish out of launch order.
type progressLog struct {
	entries []ProgressEntry
	sink    ProgressSink
}

func newProgressLog(sink ProgressSink) *progressLog {
	if sink == nil {
		sink = NopSink
	}
	return &progressLog{sink: sink}
}

// Append adds a pending entry and returns its fixed index. It does not flush.
func (p *progressLog) Append(message string) int {
	p.entries = append(p.entries, ProgressEntry{Message: message})
	return len(p.entries) - 1
}

func (p *progressLog) MarkDone(index int) {
	if index >= 0 && index < len(p.entries) {
		p.entries[index].Done = true
	}
}

// Flush emits a copy of the current log to the sink.
func (p *progressLog) Flush() {
	snapshot := make([]ProgressEntry, len(p.entries))
	copy(snapshot, p.entries)
	p.sink.Emit(snapshot)
}

func (p *progressLog) Entries() []ProgressEntry {
	out := make([]ProgressEntry, len(p.entries))
	copy(out, p.entries)
	return out
}
