// Ccmux is a local gateway that exposes the Anthropic Messages API and
// dispatches requests across heterogeneous LLM providers.
package main

import (
	"flag"
	"fmt"
	"os"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "configs/ccmux.yaml", "path to config file")
	listen := flag.String("listen", "", "listen address override (host:port)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("ccmux", version)
		os.Exit(0)
	}

	if err := run(*configPath, *listen); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
