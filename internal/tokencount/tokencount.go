// Package tokencount provides token estimation for prompt pruning and usage
// recording. Uses a character-based heuristic (~4 chars per token for
// English) which is sufficient for pruning decisions; it is not an exact
// tokenizer and is not used to bill usage (providers report real usage).
package tokencount

import (
	chatgateway "github.com/eugener/chatgate/internal"
)

// messageOverheadTokens approximates the per-message framing overhead
// (role, separators) most chat-formatted APIs add beyond raw content.
const messageOverheadTokens = 4

// Counter estimates token counts for messages and plain text.
type Counter struct{}

// NewCounter creates a new Counter.
func NewCounter() *Counter {
	return &Counter{}
}

// EstimateMessages estimates the total token count for a slice of messages,
// including per-message framing overhead.
func (c *Counter) EstimateMessages(messages []chatgateway.Message) int {
	total := 0
	for _, m := range messages {
		total += messageOverheadTokens
		total += estimateTokens(m.Role)
		total += estimateTokens(m.Content)
	}
	return total
}

// CountText estimates tokens for a plain text string.
func (c *Counter) CountText(text string) int {
	return max(estimateTokens(text), 1)
}

// estimateTokens uses a ~4 characters per token heuristic.
func estimateTokens(s string) int {
	if len(s) == 0 {
		return 0
	}
	return (len(s) + 3) / 4
}
