package engine

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConversationContext_EvictsOldestFirst(t *testing.T) {
	c := NewConversationContext(3)

	for i := 0; i < 5; i++ {
		c.Append("user", fmt.Sprintf("message %d", i))
	}

	require.Equal(t, 3, c.Len())
	turns := c.Recent(3)
	assert.Equal(t, "message 2", turns[0].Content)
	assert.Equal(t, "message 3", turns[1].Content)
	assert.Equal(t, "message 4", turns[2].Content)
}

func TestConversationContext_RecentReturnsOldestFirst(t *testing.T) {
	c := NewConversationContext(10)
	c.Append("user", "first")
	c.Append("assistant", "second")
	c.Append("user", "third")

	turns := c.Recent(2)
	require.Len(t, turns, 2)
	assert.Equal(t, "second", turns[0].Content)
	assert.Equal(t, "third", turns[1].Content)

	all := c.Recent(100)
	require.Len(t, all, 3)
	assert.Equal(t, "first", all[0].Content)
}

func TestConversationContext_Clear(t *testing.T) {
	c := NewConversationContext(10)
	c.Append("user", "hello")
	c.Clear()

	assert.Zero(t, c.Len())
	assert.Empty(t, c.Recent(5))
}

func TestConversationContext_DefaultCap(t *testing.T) {
	c := NewConversationContext(0)
	for i := 0; i < defaultMaxTurns+5; i++ {
		c.Append("user", "x")
	}
	assert.Equal(t, defaultMaxTurns, c.Len())
}
