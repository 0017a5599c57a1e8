package server

import (
	"sync"

	"github.com/openreport/scout/internal/retrieval"
)

// conversation holds the per-conversation retrieval state: the bounded
// ledger and any structured questions pending for the next pass. Pending
// questions are always cleared when a pass finishes, successfully or not,
// so a failing question set cannot cause a retry loop on the next turn.
type conversation struct {
	mu      sync.Mutex
	ledger  *retrieval.Ledger
	pending []retrieval.StructuredQuestion
}

// conversationRegistry keeps all in-memory conversation state. One
// retrieval pass runs at a time per conversation.
type conversationRegistry struct {
	mu       sync.RWMutex
	capacity int
	convs    map[string]*conversation
}

func newConversationRegistry(capacity int) *conversationRegistry {
	return &conversationRegistry{
		capacity: capacity,
		convs:    make(map[string]*conversation),
	}
}

func (r *conversationRegistry) get(id string) *conversation {
	r.mu.RLock()
	conv, ok := r.convs[id]
	r.mu.RUnlock()
	if ok {
		return conv
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if conv, ok = r.convs[id]; ok {
		return conv
	}
	conv = &conversation{ledger: retrieval.NewLedger(r.capacity)}
	r.convs[id] = conv
	return conv
}
