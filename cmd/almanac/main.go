// Command almanac manages personal records through the almanac sync core.
package main

import (
	"os"

	"github.com/mesh-intelligence/almanac/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
