package main

import (
	"fmt"
	"os"

	"github.com/chanvault/chanvault/chanvaultd"
)

func main() {
	if err := chanvaultd.Run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
