package main

import (
	"os"

	"github.com/danpasecinic/taskflow/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
