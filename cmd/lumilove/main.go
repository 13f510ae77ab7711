package main

import (
	"os"

	"github.com/wzhnbsixsixsix/Lumilove-RAG/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
