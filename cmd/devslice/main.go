// Command devslice partitions a device-keyed sensor CSV across parallel
// workers, each feeding an external analysis subprocess over a unix
// socket.
package main

import (
	"fmt"
	"os"

	"github.com/mrhaubrich/devslice/internal/cli"
)

func main() {
	if err := cli.Run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
