// ptymux serves persistent shell sessions over WebSocket.
package main

import (
	"os"

	"github.com/workspace/ptymux/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
