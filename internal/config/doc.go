// Package config loads the taskmarketd configuration. The file format is
// chosen by extension (YAML, TOML or JSON), a .env file next to the config
// is loaded first, and a few TASKMARKET_* environment variables override the
// file so secrets can stay out of it.
package config
