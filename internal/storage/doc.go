// Package storage is the persistence layer behind the core services.
//
// It offers:
//   - whole-collection load/save (each mutation rewrites its collection)
//   - an append-only audit journal (finished rule executions, backups)
//   - dedup keys with expiry (delivery pipeline, feed items)
//
// Drivers: memory, file, sqlite, redis, badger.
package storage
