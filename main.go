package main

import (
	"os"

	"github.com/conneroisu/reservoir/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
