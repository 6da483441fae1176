package main

import (
	"os"

	"github.com/psantana5/workerlink/cmd/workerlink/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
