package backends

import (
	"context"
	"sync"
)

// MemoryChatHistory keeps session transcripts in memory. Agent nodes
// append their prompt/reply pairs so later nodes sharing a session_id
// see the earlier turns.
type MemoryChatHistory struct {
	mu       sync.RWMutex
	sessions map[string][]ChatMessage
}

func NewMemoryChatHistory() *MemoryChatHistory {
	return &MemoryChatHistory{sessions: make(map[string][]ChatMessage)}
}

// History returns a copy of the session transcript, oldest first.
func (h *MemoryChatHistory) History(_ context.Context, sessionID string) ([]ChatMessage, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	msgs := h.sessions[sessionID]
	out := make([]ChatMessage, len(msgs))
	copy(out, msgs)
	return out, nil
}

// Append records one turn at the end of the session transcript.
func (h *MemoryChatHistory) Append(_ context.Context, sessionID string, msg ChatMessage) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessions[sessionID] = append(h.sessions[sessionID], msg)
	return nil
}

var _ ChatHistory = (*MemoryChatHistory)(nil)
