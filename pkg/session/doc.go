// Package session maps (user, character) pairs to session keys and back.
//
// Invariants:
// - Keys have the form user_<U>_character_<C>; identifiers match [A-Za-z0-9-]+.
// - Key and Parse round-trip for every valid pair.
// - A key carrying only the user segment resolves to the configured default character.
// - Descriptors are values; nothing here performs I/O.
//
// Usage:
//
//	key, _ := session.Key("7", "42") // "user_7_character_42"
//	r := session.Resolver{DefaultCharacterID: "1"}
//	userID, characterID, _ := r.Parse(key)
//	_, _ = userID, characterID
package session
