package phase

import (
	"fmt"
	"strings"

	"autodev/internal/specialist"
)

// Conversation tags marking messages the pruner must retain.
const (
	TagError    = "error"
	TagDecision = "decision"
)

// ConversationConfig bounds a phase's conversation. The
// summarize-vs-drop choice for the removed tail is explicit at
// construction; the default drops the tail, and summarizing stays a
// cheap structural note rather than a model call.
type ConversationConfig struct {
	MaxMessages   int
	PreserveFirst int
	PreserveLast  int
	Summarize     bool
}

// DefaultConversationConfig returns the spec defaults: cap 50, keep the
// first 5 and last 20.
func DefaultConversationConfig() ConversationConfig {
	return ConversationConfig{MaxMessages: 50, PreserveFirst: 5, PreserveLast: 20}
}

type taggedMessage struct {
	specialist.ChatMessage
	tag string
}

// Conversation is the bounded thread a phase owns for the duration of
// one execution. It is not safe for concurrent use; a phase is the sole
// owner until it returns.
type Conversation struct {
	cfg      ConversationConfig
	messages []taggedMessage
	pruned   int
}

// NewConversation constructs a Conversation with cfg, normalizing
// nonsensical bounds back to the defaults.
func NewConversation(cfg ConversationConfig) *Conversation {
	def := DefaultConversationConfig()
	if cfg.MaxMessages <= 0 {
		cfg.MaxMessages = def.MaxMessages
	}
	if cfg.PreserveFirst < 0 {
		cfg.PreserveFirst = def.PreserveFirst
	}
	if cfg.PreserveLast <= 0 {
		cfg.PreserveLast = def.PreserveLast
	}
	if cfg.PreserveFirst+cfg.PreserveLast > cfg.MaxMessages {
		cfg = def
	}
	return &Conversation{cfg: cfg}
}

// Add appends a message and prunes if the cap is exceeded.
func (c *Conversation) Add(role, content string) {
	c.AddTagged(role, content, "")
}

// AddTagged appends a message carrying a retention tag; messages tagged
// error or decision survive pruning regardless of position.
func (c *Conversation) AddTagged(role, content, tag string) {
	c.messages = append(c.messages, taggedMessage{
		ChatMessage: specialist.ChatMessage{Role: role, Content: content},
		tag:         tag,
	})
	c.prune()
}

func (c *Conversation) prune() {
	if len(c.messages) <= c.cfg.MaxMessages {
		return
	}

	head := c.messages[:c.cfg.PreserveFirst]
	tail := c.messages[len(c.messages)-c.cfg.PreserveLast:]
	middle := c.messages[c.cfg.PreserveFirst : len(c.messages)-c.cfg.PreserveLast]

	var kept []taggedMessage
	var droppedText []string
	for _, m := range middle {
		if m.tag == TagError || m.tag == TagDecision {
			kept = append(kept, m)
		} else {
			c.pruned++
			if c.cfg.Summarize {
				droppedText = append(droppedText, m.Content)
			}
		}
	}

	next := make([]taggedMessage, 0, len(head)+len(kept)+len(tail)+1)
	next = append(next, head...)
	if c.cfg.Summarize && len(droppedText) > 0 {
		next = append(next, taggedMessage{ChatMessage: specialist.ChatMessage{
			Role:    "system",
			Content: summarizeDropped(droppedText),
		}})
	}
	next = append(next, kept...)
	next = append(next, tail...)
	c.messages = next
}

// summarizeDropped compresses removed middle messages into one system
// note. A cheap structural summary keeps the invariant that pruning
// never calls a model.
func summarizeDropped(dropped []string) string {
	const maxExcerpt = 80
	var b strings.Builder
	fmt.Fprintf(&b, "[%d earlier messages pruned. Excerpts:", len(dropped))
	limit := 3
	if len(dropped) < limit {
		limit = len(dropped)
	}
	for i := 0; i < limit; i++ {
		excerpt := dropped[i]
		if len(excerpt) > maxExcerpt {
			excerpt = excerpt[:maxExcerpt] + "..."
		}
		fmt.Fprintf(&b, " %q", excerpt)
	}
	b.WriteString("]")
	return b.String()
}

// Messages returns the thread in transport form.
func (c *Conversation) Messages() []specialist.ChatMessage {
	out := make([]specialist.ChatMessage, len(c.messages))
	for i, m := range c.messages {
		out[i] = m.ChatMessage
	}
	return out
}

// Len returns the current message count.
func (c *Conversation) Len() int { return len(c.messages) }

// PrunedCount reports how many messages pruning has removed so far.
func (c *Conversation) PrunedCount() int { return c.pruned }
