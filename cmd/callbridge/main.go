// Command callbridge bridges inbound phone calls to a realtime speech AI agent.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "callbridge:", err)
		os.Exit(1)
	}
}
