// Package chat generates replies grounded in a user's conversation memory.
//
// A Pipeline handles one message in two phases. PREPARING resolves the
// session, then fetches the persona, the relevant long-term memory and the
// recent turns concurrently and assembles the prompt. STREAMING pulls
// fragments from the language model one at a time, hands each to the caller
// and accumulates it. The finished (or, on cancellation, partial) exchange is
// then committed by the Committer: first to the authoritative history store,
// then to the memory index. An index failure never fails the request; it is
// recorded in the reconciliation ledger instead.
//
// Requests for the same session run concurrently unless strict ordering is
// enabled, in which case each session gets its own FIFO lane.
package chat
