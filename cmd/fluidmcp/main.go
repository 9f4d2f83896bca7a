package main

import (
	"fmt"
	"os"
)

// version is stamped by the build; the default marks a source build.
var version = "0.1.0-dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fluidmcp: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	subcmd := "serve"
	args := os.Args[1:]
	if len(args) > 0 && args[0] != "" && args[0][0] != '-' {
		subcmd = args[0]
		args = args[1:]
	}
	for _, arg := range args {
		if arg == "-version" || arg == "--version" {
			subcmd = "version"
		}
	}

	switch subcmd {
	case "serve":
		return cmdServe()
	case "version":
		fmt.Println("fluidmcp " + version)
		return nil
	default:
		return fmt.Errorf("unknown command: %s\nUsage: fluidmcp [serve|version]", subcmd)
	}
}
