// Package main is the entry point for drive-bugle.
package main

import (
	"fmt"
	"os"

	"drive-bugle/internal/cli"
)

func main() {
	cli.Init()

	if err := cli.RootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
