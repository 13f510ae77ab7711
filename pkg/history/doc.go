// Package history is the authoritative record of chat exchanges and the
// recency buffer built on top of it.
//
// Invariants:
//   - One row per (user message, assistant reply) exchange; column names
//     match the chat_history table shared with the web backend.
//   - Deletion is soft: rows are flagged is_deleted and never returned again.
//   - QueryRecent returns newest first; ListExchanges returns oldest first.
//   - Recency never yields deleted exchanges or the streaming sentinel, and
//     swallows storage failures into an empty result.
//
// Usage:
//
//	store, _ := history.NewSQLiteStore(history.SQLiteConfig{Path: "/tmp/history.db", Logger: logger})
//	_, _ = store.Append(ctx, "7", "42", "hi", "hello")
//	entries := history.NewRecency(store, logger).Recent(ctx, "user_7_character_42", 10)
//	_ = entries
package history
