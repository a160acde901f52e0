// Command registryd runs the protocol manifest registry server.
package main

import (
	"fmt"
	"os"

	"github.com/stacklok/protoreg/cmd/registryd/app"
)

func main() {
	if err := app.NewRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "there was an error: %v\n", err)
		os.Exit(1)
	}
}
