// Package memory is the long-term memory index: conversation exchanges are
// split into chunks, embedded and stored in a vector store, then retrieved
// by similarity within one (user, session) scope.
//
// Invariants:
//   - Every stored chunk carries userId and sessionKey metadata; queries only
//     return chunks whose metadata matches both, re-verified after the store
//     applied its own filter.
//   - Score is cosine similarity (higher is closer) and Distance is 1 - Score;
//     results are ordered by descending Score.
//   - Per-chunk embedding or storage failures are logged and skipped; Upsert
//     fails only when nothing of a non-empty batch was written.
//   - DeleteSession is idempotent.
//
// Stores: SQLiteStore (sqlite-vec), ChromemStore (chromem-go, embedded) and
// PgvectorStore (postgres + pgvector).
//
// Usage:
//
//	idx, _ := memory.NewIndex(memory.Config{Store: store, Embedder: embedder, Logger: logger})
//	_ = idx.Upsert(ctx, "7", "user_7_character_42", []memory.Exchange{{User: "hi", Assistant: "hello"}})
//	items, _ := idx.Query(ctx, "hi", "7", "user_7_character_42", 5)
//	_ = items
package memory
