package main

import (
	"os"
)

func main() {
	if err := BuildCLI().Execute(); err != nil {
		os.Exit(1)
	}
}
