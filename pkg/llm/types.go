package llm

import "context"

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of the conversation sent to the model.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request contains the parameters of one completion call
type Request struct {
	Messages    []Message
	MaxTokens   int
	Temperature float64
}

// Stream is a single-pass, forward-only sequence of text fragments.
//
//	for s.Next() {
//		use(s.Fragment())
//	}
//	if err := s.Err(); err != nil { ... }
type Stream interface {
	Next() bool
	Fragment() string
	Err() error
	Close() error
}

// Backend is a language-model API.
type Backend interface {
	Complete(ctx context.Context, req Request) (string, error)
	// CompleteStream starts a streamed completion. Upstream errors may
	// surface on the first call to Next rather than here.
	CompleteStream(ctx context.Context, req Request) (Stream, error)
	// Name is the provider name, e.g. "openrouter".
	Name() string
	Model() string
}

// ModelInfo describes a model offered by a backend.
type ModelInfo struct {
	ID      string `json:"id"`
	OwnedBy string `json:"owned_by,omitempty"`
	Created int64  `json:"created,omitempty"`
}

// ModelLister is implemented by backends that can enumerate their models.
type ModelLister interface {
	ListModels(ctx context.Context) ([]ModelInfo, error)
}

// splitSystem separates system turns, joined, from the rest.
func splitSystem(messages []Message) (string, []Message) {
	var system string
	rest := make([]Message, 0, len(messages))
	for _, m := range messages {
		if m.Role == RoleSystem {
			if system != "" {
				system += "\n\n"
			}
			system += m.Content
			continue
		}
		rest = append(rest, m)
	}
	return system, rest
}
