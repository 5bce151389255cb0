// The main package for the turnstile-solver executable.
package main

import (
	"github.com/JakeFAU/turnstile-solver/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
