// Package outbox implements the transactional outbox pattern on top of a relational store.
//
// Messages are recorded as outbox items in the same database transaction that commits the
// business change producing them, and are later delivered to a message broker by a
// publishing cycle with at-least-once guarantees:
//
//  1. Writing: a producer inserts items through a [Repository] (or the [Writer] helper)
//     using the transaction that also carries its domain changes. Items are inserted in
//     batches, and the store assigns their creation timestamps.
//
//  2. Processing: a [Processor] periodically opens a transaction, acquires a distributed
//     mutex held by the store, reads the oldest pending items, hands each of them to a
//     [Publisher], and persists the resulting status and attempt counts before committing.
//     Items older than a retention window can be purged in the same cycle.
//
// The repository never opens, commits or rolls back transactions: the caller owns the
// transaction and decides what to do when an operation fails. A busy distributed mutex is
// not an error, it is reported as an absent lock so the caller can skip the cycle.
//
// PostgreSQL, SQL Server and SQLite are supported. Consumers must deduplicate using
// [Item.ID], since an item may be delivered more than once.
package outbox
