//go:build windows

package main

import (
	"fmt"
	"os"

	"github.com/crashsnap/crashsnap/cmd/crashsnap/cmds"
)

func main() {
	cmd := cmds.New()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
