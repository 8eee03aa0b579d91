package main

import (
	"os"

	"EdgeLLM/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
