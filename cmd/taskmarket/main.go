// Command taskmarket is the command-line client for taskmarketd.
package main

import "TaskMarket-Chain/internal/cli"

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	cli.Execute(version)
}
