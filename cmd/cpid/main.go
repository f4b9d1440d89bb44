package main

import (
	"os"

	"github.com/10yihang/cpid/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
