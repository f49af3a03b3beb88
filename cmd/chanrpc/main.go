package main

import (
	"fmt"
	"os"

	"chanrpc/command"
)

func main() {
	if err := command.NewRootCommandeer().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
