// Package ledger keeps the opt-in rosters: per chat (or one global roster),
// an insertion-ordered map of user id to display name.
//
// The whole ledger is written back to its Store after every mutation.
// Stores:
//   - "file": one pretty-printed JSON file, replaced atomically (temp + rename)
//   - "sqlite": a single table rewritten in one transaction
package ledger
