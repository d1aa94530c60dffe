// Command driftboard is the operator CLI for the driftboard daemon.
package main

import (
	"fmt"
	"os"
)

func main() {
	os.Exit(execute())
}

func execute() int {
	exitCode = 0
	if err := rootCmd.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		return 2
	}
	return exitCode
}
