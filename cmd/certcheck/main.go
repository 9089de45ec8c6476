package main

import (
	"os"

	"github.com/DrSkyle/certcheck/cmd/certcheck/commands"
)

func main() {
	os.Exit(commands.Execute())
}
