// The main package for the docs2md executable.
package main

import (
	"github.com/JakeFAU/docs2md/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
