// Command routinesync is the CLI of the local-first routine sync engine.
package main

import (
	"os"

	"github.com/roach88/routinesync/internal/cli"
)

func main() {
	os.Exit(cli.Main(os.Args[1:], os.Stdout, os.Stderr))
}
