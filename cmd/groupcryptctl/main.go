package main

import (
	"os"

	"github.com/opd-ai/groupcrypt/cmd/groupcryptctl/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
