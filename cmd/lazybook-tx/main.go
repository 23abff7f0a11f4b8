// Command lazybook-tx generates keys and signs order transactions for a
// lazybook node, optionally submitting them.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
