// Package training turns feedback into learned (signal, pattern) confidence
// records and keeps an auditable, reversible history of every change.
//
// # Data
//
//   - Feedback: one user judgment about one extracted signal instance.
//   - TrainingData: one (signal, pattern) row with Bayesian counts, an integer
//     confidence and a version that increases by one per committed mutation.
//   - History: an append-only audit entry per mutation, holding the previous
//     and new snapshots.
//
// # Concurrency
//
// A row's id is derived from its (signal id, pattern) pair, so creating and
// updating a row is always a single-document read-modify-write. Each one runs
// inside Store.RunTransaction: the row is read, the new counts are computed
// from that read, and the row, its history entry and the feedback's
// processed flag are committed together. If another writer commits the same
// row first, the store re-runs the function and the counts are recomputed
// from the newer state.
//
// # Rollback
//
// Rollback copies a historical snapshot forward as a new version. Versions
// never repeat and every rollback is itself in the history.
//
// # Stores
//
// MemoryStore lives in this package for tests. Persistent adapters decode
// stored payloads with DecodeFeedback, DecodeTrainingData and DecodeHistory,
// which normalize every timestamp shape through NormalizeTimestamp.
package training
