package main

import (
	"os"

	"github.com/andi/cogstac/backend/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
