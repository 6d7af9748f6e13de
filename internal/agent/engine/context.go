package engine

import (
	"sync"
	"time"
)

// defaultMaxTurns caps conversation history when no limit is configured.
const defaultMaxTurns = 20

// Turn is one utterance in a conversation.
type Turn struct {
	Role    string    `json:"role"`
	Content string    `json:"content"`
	At      time.Time `json:"at"`
}

// ConversationContext is a bounded, ordered record of conversation turns.
// When the cap is reached the oldest turn is evicted first. Safe for
// concurrent use.
type ConversationContext struct {
	mu    sync.Mutex
	turns []Turn
	max   int
}

// NewConversationContext creates a context holding at most max turns.
// A non-positive max selects the default cap.
func NewConversationContext(max int) *ConversationContext {
	if max <= 0 {
		max = defaultMaxTurns
	}
	return &ConversationContext{max: max}
}

// Append records a turn, evicting the oldest if the cap is exceeded.
func (c *ConversationContext) Append(role, content string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.turns = append(c.turns, Turn{Role: role, Content: content, At: time.Now()})
	if len(c.turns) > c.max {
		c.turns = c.turns[len(c.turns)-c.max:]
	}
}

// Recent returns up to n of the most recent turns, oldest first.
func (c *ConversationContext) Recent(n int) []Turn {
	c.mu.Lock()
	defer c.mu.Unlock()

	if n > len(c.turns) {
		n = len(c.turns)
	}
	out := make([]Turn, n)
	copy(out, c.turns[len(c.turns)-n:])
	return out
}

// Len returns the number of retained turns.
func (c *ConversationContext) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.turns)
}

// Clear drops all turns.
func (c *ConversationContext) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.turns = nil
}
