// Package store provides persistent storage for conversations and their
// messages using SQLite.
//
// # Interfaces
//
//   - ConversationStore: conversation metadata (owner, title, timestamps)
//   - MessageStore: the append-only message log
//   - Store: both, plus Ping and Close
//
// SQLiteStore implements Store on modernc.org/sqlite (no cgo). MockStore is
// an in-memory implementation with the same uniqueness and atomicity rules,
// used by tests in other packages.
//
// # Ordering
//
// Within a conversation every message has a unique sequence >= 1, enforced
// by UNIQUE(conversation_id, sequence). Sequence is the only ordering key:
// ListOrdered sorts by it and ignores created_at. Appending a taken
// sequence fails with ErrSequenceTaken and stores nothing.
//
// # Batches
//
// AppendBatch writes a whole reply in one transaction. Either every message
// in the batch is stored or none is.
//
// # Deletion
//
// Deleting a conversation removes its messages through ON DELETE CASCADE.
//
// # Errors
//
// ErrNotFound and ErrSequenceTaken are the apperr sentinels, so callers
// above the store use one error taxonomy.
package store
