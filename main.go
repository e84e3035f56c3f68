// The main package for the reviewcrawler executable.
package main

import (
	"github.com/JakeFAU/review-reply-crawler/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
