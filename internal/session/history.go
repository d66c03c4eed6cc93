package session

import (
	"sync"
	"time"
)

// Role tags a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one utterance in the conversation history.
type Turn struct {
	Role Role      `json:"role"`
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// History is the append-only conversation record for a session. It is
// mutated only by the controller; external readers get copies.
type History struct {
	mu    sync.RWMutex
	turns []Turn
}

func NewHistory() *History { return &History{} }

// AppendUser records a user utterance.
func (h *History) AppendUser(text string) { h.append(RoleUser, text) }

// AppendAssistant records an assistant reply.
func (h *History) AppendAssistant(text string) { h.append(RoleAssistant, text) }

func (h *History) append(role Role, text string) {
	h.mu.Lock()
	h.turns = append(h.turns, Turn{Role: role, Text: text, At: time.Now()})
	h.mu.Unlock()
}

// Snapshot returns a copy of all turns in order.
func (h *History) Snapshot() []Turn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Turn, len(h.turns))
	copy(out, h.turns)
	return out
}

// Len returns the number of recorded turns.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.turns)
}

// Clear removes all turns. Only an explicit external command calls this; no
// transition clears history implicitly.
func (h *History) Clear() {
	h.mu.Lock()
	h.turns = nil
	h.mu.Unlock()
}
