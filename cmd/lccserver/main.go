// Package main is the entry point for the lccserver binary.
package main

import (
	"os"

	"lcc-server/pkg/cli"
)

func main() {
	os.Exit(cli.Execute())
}
