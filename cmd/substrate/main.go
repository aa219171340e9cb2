// Command substrate runs and talks to a substrate instance.
package main

import (
	"context"
	"os"

	"github.com/roach88/substrate/internal/cli"
)

func main() {
	os.Exit(cli.Execute(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}
