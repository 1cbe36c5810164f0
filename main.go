// The main package for the slotwatch executable.
package main

import (
	"github.com/JakeFAU/slotwatch/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
