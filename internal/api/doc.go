// Package api exposes the task registry over REST. Writes identify the caller
// through the X-Account header, errors carry the registry code together with
// the matching contract error selector, and an optional chain mirror is served
// under /api/v1/chain.
package api
