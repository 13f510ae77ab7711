package prompt

import (
	"fmt"
	"strings"

	"github.com/wzhnbsixsixsix/Lumilove-RAG/internal/observability"
	"github.com/wzhnbsixsixsix/Lumilove-RAG/pkg/history"
	"github.com/wzhnbsixsixsix/Lumilove-RAG/pkg/memory"
)

const (
	// NoContext stands in for the retrieved block when nothing was retrieved.
	NoContext = "no prior context"
	// NoRecent stands in for the recency block of a new conversation.
	NoRecent = "this is the start of the conversation"

	DefaultContextBudget = 4000

	DefaultInstructions = "Reply to the user's new message using the information above. " +
		"Refer to earlier conversation where it is relevant. Keep the reply natural, friendly and helpful."
)

const (
	RoleSystem = "system"
	RoleUser   = "user"
)

// Message is one role-tagged block of the assembled prompt.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Config controls budgets and wording.
type Config struct {
	// ContextBudget caps the retrieved block, in estimated tokens.
	ContextBudget int
	// TruncateRecency drops the oldest recent entries while the whole system
	// block exceeds MaxSystemTokens. MaxSystemTokens <= 0 disables it.
	TruncateRecency bool
	MaxSystemTokens int
	Instructions    string
}

// Input is everything the assembler combines.
type Input struct {
	Persona   string
	Retrieved []memory.RetrievedItem
	Recent    []history.Entry
	Message   string
}

// Result is an assembled prompt plus what had to be left out.
type Result struct {
	Messages []Message
	// Used are the retrieved items that made it into the prompt, in rank order.
	Used []memory.RetrievedItem
	// Dropped counts retrieved items removed to fit the budget.
	Dropped int
	// RecencyDropped counts recent entries removed by recency truncation.
	RecencyDropped int
	// ContextTokens is the estimated size of the retrieved block.
	ContextTokens int
}

// System returns the content of the system block.
func (r Result) System() string {
	for _, m := range r.Messages {
		if m.Role == RoleSystem {
			return m.Content
		}
	}
	return ""
}

type Assembler struct {
	cfg Config
}

func NewAssembler(cfg Config) *Assembler {
	if cfg.ContextBudget <= 0 {
		cfg.ContextBudget = DefaultContextBudget
	}
	if cfg.Instructions == "" {
		cfg.Instructions = DefaultInstructions
	}
	return &Assembler{cfg: cfg}
}

// Assemble builds the prompt. It never fails; oversized input is truncated.
func (a *Assembler) Assemble(in Input) Result {
	items := in.Retrieved
	block := renderRetrieved(items)
	for len(items) > 0 && EstimateTokens(block) > a.cfg.ContextBudget {
		items = items[:len(items)-1]
		block = renderRetrieved(items)
	}
	dropped := len(in.Retrieved) - len(items)
	observability.RecordPromptDrops(dropped)

	contextTokens := 0
	if len(items) > 0 {
		contextTokens = EstimateTokens(block)
	} else {
		block = NoContext
	}

	recent := in.Recent
	system := a.renderSystem(in.Persona, block, recent)
	if a.cfg.TruncateRecency && a.cfg.MaxSystemTokens > 0 {
		for len(recent) > 0 && EstimateTokens(system) > a.cfg.MaxSystemTokens {
			recent = recent[1:]
			system = a.renderSystem(in.Persona, block, recent)
		}
	}

	return Result{
		Messages: []Message{
			{Role: RoleSystem, Content: system},
			{Role: RoleUser, Content: in.Message},
		},
		Used:           items,
		Dropped:        dropped,
		RecencyDropped: len(in.Recent) - len(recent),
		ContextTokens:  contextTokens,
	}
}

func (a *Assembler) renderSystem(persona, retrieved string, recent []history.Entry) string {
	var b strings.Builder
	b.WriteString(persona)
	b.WriteString("\n\n## Relevant past conversation\n")
	b.WriteString(retrieved)
	b.WriteString("\n\n## Recent conversation\n")
	b.WriteString(renderRecent(recent))
	b.WriteString("\n\n")
	b.WriteString(a.cfg.Instructions)
	return b.String()
}

func renderRetrieved(items []memory.RetrievedItem) string {
	parts := make([]string, 0, len(items))
	for i, item := range items {
		parts = append(parts, fmt.Sprintf("[%d] (similarity: %.3f)\n%s", i+1, item.Score, item.Chunk.Content))
	}
	return strings.Join(parts, "\n\n")
}

func renderRecent(entries []history.Entry) string {
	if len(entries) == 0 {
		return NoRecent
	}
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		label := "User"
		if e.Role == history.RoleAssistant {
			label = "Assistant"
		}
		lines = append(lines, label+": "+e.Content)
	}
	return strings.Join(lines, "\n")
}

// ContextTexts returns the chunk contents of items, in order.
func ContextTexts(items []memory.RetrievedItem) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		out = append(out, item.Chunk.Content)
	}
	return out
}
