package main

import (
	"fmt"
	"os"

	"appstore/cmd/appstore/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
