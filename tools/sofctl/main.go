package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/clktmr/atomdsp/tools/boot"
	"github.com/clktmr/atomdsp/tools/scenario"
)

const usageString = `sofctl exercises the host side of the Atom audio DSP IPC driver against a
simulated DSP.

Usage:

	%s <command> [arguments]

The commands are:

	boot     boot the DSP and exchange messages
	script   run scripted scenarios
`

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), usageString, os.Args[0])
	flag.PrintDefaults()
}

func main() {
	log.Default().SetFlags(0)
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(1)
	}

	switch flag.Arg(0) {
	case "boot":
		boot.Main(flag.Args())
	case "script":
		scenario.Main(flag.Args())
	default:
		fmt.Fprintf(flag.CommandLine.Output(), "unknown command: %s\n", flag.Arg(0))
		flag.Usage()
		os.Exit(1)
	}
}
