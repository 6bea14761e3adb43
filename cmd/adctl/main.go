// Command adctl inspects and maintains ad store record logs offline. It
// must not be run against a log that a live adstored has open for writing.
package main

import (
	"fmt"
	"os"
)

func main() {
	t := newTool()
	if err := t.Root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
