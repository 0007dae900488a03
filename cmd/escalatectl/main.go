// Command escalatectl exercises the escalation module outside of a PAM
// stack: it can run an authentication against a helper from the terminal
// and serve a scripted helper for testing.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
