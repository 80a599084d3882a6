package main

import (
	"os"

	"github.com/markview/markview/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
