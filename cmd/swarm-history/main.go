package main

import (
	"go-swarm-history/cmd/swarm-history/cmd"
)

func main() {
	// Execute the root command (defined in cmd/root.go)
	cmd.Execute()
}
