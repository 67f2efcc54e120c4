package retrieval

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/kalambet/eyemem/internal/engine"
)

// ChatMemoryLimit is the number of memories placed into a chat context.
const ChatMemoryLimit = 5

// ErrChatFailed wraps errors from the chat model.
var ErrChatFailed = errors.New("chat model failed")

// MemorySearcher is the search surface a Chatter needs.
type MemorySearcher interface {
	Search(ctx context.Context, q Query) ([]Result, error)
}

// ChatModel generates replies. engine.Engine satisfies it.
type ChatModel interface {
	Chat(ctx context.Context, model string, messages []engine.Message, jsonSchema *engine.Schema) (string, error)
}

// ChatAnswer is a reply grounded on the user's memories.
type ChatAnswer struct {
	Message  string
	Context  string
	Memories []Result
}

// Chatter answers a message using the user's most relevant public memories
// as context. Without a model it echoes the message behind a fixed prefix.
type Chatter struct {
	search MemorySearcher
	llm    ChatModel
	model  string
}

// NewChatter returns a Chatter. llm may be nil.
func NewChatter(search MemorySearcher, llm ChatModel, model string) *Chatter {
	return &Chatter{search: search, llm: llm, model: model}
}

const chatSystemPrompt = "You are EYE, a personal assistant with access to the user's photo memories. " +
	"Answer using the memories below when they are relevant and say so when they are not.\n\n"

// Chat searches the top memories for message and answers from them. Private
// memories never enter the context.
func (c *Chatter) Chat(ctx context.Context, userID, message string) (ChatAnswer, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return ChatAnswer{}, ErrEmptyQuery
	}

	results, err := c.search.Search(ctx, Query{
		UserID: userID,
		Text:   message,
		Limit:  ChatMemoryLimit,
	})
	if err != nil {
		return ChatAnswer{}, fmt.Errorf("searching memories: %w", err)
	}

	answer := ChatAnswer{Context: MemoryContext(results), Memories: results}
	if c.llm == nil {
		answer.Message = "Based on your memories: " + message
		return answer, nil
	}

	reply, err := c.llm.Chat(ctx, c.model, []engine.Message{
		{Role: "system", Content: chatSystemPrompt + answer.Context},
		{Role: "user", Content: message},
	}, nil)
	if err != nil {
		return ChatAnswer{}, fmt.Errorf("%w: %v", ErrChatFailed, err)
	}
	answer.Message = strings.TrimSpace(reply)
	return answer, nil
}

// MemoryContext renders results as the context block handed to the chat
// model. It is empty when there are no results.
func MemoryContext(results []Result) string {
	if len(results) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Relevant memories:\n")
	for _, r := range results {
		fmt.Fprintf(&b, "- %s\n", r.Memory.AIDescription)
		if r.Memory.UserNotes != "" {
			fmt.Fprintf(&b, "  User notes: %s\n", r.Memory.UserNotes)
		}
	}
	return b.String()
}
