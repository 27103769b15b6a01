// Package store implements the partitioned storage engine on top of SQLite.
// It provides schema registry with additive versioned upgrades, connection management,
// atomic multi-partition write transactions with read-only transactions for comparisons,
// diffing of persisted records against incoming ones and the flatten/unflatten transform
// between domain snapshot and flat partition records.
package store
