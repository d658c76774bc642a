// capctl is a command-line client for capgate: solve a challenge against a running server,
// spend a redemption token, or sweep expired tokens directly from the configured store.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := App().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "capctl:", err)
		os.Exit(1)
	}
}
