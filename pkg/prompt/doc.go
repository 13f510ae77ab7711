// Package prompt assembles the instructions sent to the language model.
//
// A prompt is one system block and one user block. The system block holds,
// in order:
//   - the persona text, verbatim
//   - the retrieved long-term memory, numbered in rank order with scores
//   - the recent conversation as User:/Assistant: lines
//   - a fixed closing instruction
//
// The retrieved block is kept under a token ceiling by dropping the
// lowest-ranked items first. Persona and recency are left intact unless
// recency truncation is enabled.
package prompt
