package main

import (
	"fmt"
	"os"

	"github.com/roach88/homesync/internal/cli"
)

func main() {
	os.Exit(run())
}

func run() int {
	err := cli.NewRootCommand().Execute()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
	}
	return cli.GetExitCode(err)
}
