// Package llm talks to language-model backends.
//
// A Backend completes a role-tagged conversation either in one call or as a
// Stream of text fragments. Two implementations exist: OpenAI-compatible
// endpoints (OpenAI itself and OpenRouter) through openai-go, and Anthropic
// through anthropic-sdk-go. Errors from either SDK are classified into
// TransportError, StatusError and ErrTimeout so callers need not know which
// SDK produced them.
package llm
