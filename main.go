// The main package for the cmc-crawler executable.
package main

import (
	"github.com/JakeFAU/cmc-crawler/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
