// Package registry implements the escrow task market: a single aggregate that owns
// every task record, enforces the Open → InProgress → Completed → Approved
// lifecycle, holds escrowed rewards and records an ordered event log.
package registry
