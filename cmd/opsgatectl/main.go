package main

import (
	"os"

	"git.cscs.ch/openchami/chamicore-opsgate/cmd/opsgatectl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
