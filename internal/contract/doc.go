// Package contract binds the registry to the AgentTaskManagerSimple contract
// ABI. It encodes and decodes the contract's event logs, builds calldata for
// its write functions and maps custom revert errors onto registry error codes.
package contract
