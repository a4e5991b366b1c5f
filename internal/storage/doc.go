// Package storage provides the persistent backends for job and
// notification metadata.
//
// Open returns a MetaDataStorage and a NotificationStorage over one of:
//   - memory: the scheduler's own in-process stores
//   - file: snapshot + JSON Lines journal, no external dependency
//   - sqlite: a SQLite database through modernc.org/sqlite
package storage
