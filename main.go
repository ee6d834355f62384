// The main package for the siteinsights executable.
package main

import (
	"os"

	"github.com/JakeFAU/site-insights/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
