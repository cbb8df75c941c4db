// Command officepool runs a supervised pool of headless office engines with
// a status API next to it.
package main

import (
	"fmt"
	"os"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	root := NewRootCmd()

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
