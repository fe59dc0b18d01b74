// Package sqlstore persists the task registry in a relational database.
// MySQL is used in production deployments and SQLite for single-node and
// test setups. Every registry call is written in one transaction so a crash
// never leaves a half-applied transition behind.
package sqlstore
