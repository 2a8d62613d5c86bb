// The main package for the ladder-crawler executable.
package main

import (
	"github.com/JakeFAU/ladder-crawler/cmd"
)

func main() {
	cmd.Execute()
}
