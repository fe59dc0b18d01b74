// Package projection maintains a read-only view of a deployed task manager
// contract. The Watcher backfills the contract's event logs, follows new ones
// over a subscription and folds them into a View with the same lifecycle
// rules the local registry enforces.
package projection
