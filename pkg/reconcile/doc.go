// Package reconcile repairs the long-term memory index from the
// authoritative history store.
//
// Index writes after a reply are best effort. When one fails the session is
// recorded in a Ledger; the Scheduler periodically replays every pending
// session, rebuilding its chunks from the non-deleted exchanges.
package reconcile
