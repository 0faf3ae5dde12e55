package main

import (
	"os"

	"github.com/leadbase/issuewatch/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
