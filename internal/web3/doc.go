// Package web3 houses blockchain connectivity for the chain mirror: chain
// definitions loaded from YAML, a small client interface for reading blocks,
// balances and contract logs, and the log subscription wrapper used by the
// projection watcher.
package web3
