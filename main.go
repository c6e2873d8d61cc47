// The main package for the jobcollector executable.
package main

import (
	"github.com/JakeFAU/jobcollector/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
