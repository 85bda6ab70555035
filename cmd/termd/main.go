// Command termd runs the terminal multiplexer daemon.
package main

import (
	"fmt"
	"os"

	"termd/internal/cmd"
)

func main() {
	if err := cmd.NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
