package main

import (
	"os"

	"github.com/idocinthebox/Advanced-Tape-Restorer/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
