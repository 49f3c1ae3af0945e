package scenario

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"time"

	"golang.org/x/term"
	"k8s.io/klog/v2"

	"github.com/clktmr/atomdsp/drivers/ipc"
	"github.com/clktmr/atomdsp/shim/sim"
)

const usageString = `Run scripted scenarios against a simulated DSP.

Usage: %s [flags] [script]

Reads commands from script or stdin, one per line. Arguments are split like
in a shell. Type 'help' for a list of commands.

`

var (
	flags = flag.NewFlagSet("script", flag.ExitOnError)

	wait = flags.Duration("wait", time.Second, "Timeout for replies and expectations")
	keep = flags.Bool("k", false, "Keep going after a command failed")
)

func usage() {
	fmt.Fprintf(flags.Output(), usageString, "script")
	flags.PrintDefaults()
}

func Main(args []string) {
	klog.InitFlags(flags)
	flags.Usage = usage
	flags.Parse(args[1:])

	in := io.Reader(os.Stdin)
	interactive := false
	switch flags.NArg() {
	case 0:
		interactive = term.IsTerminal(int(os.Stdin.Fd()))
	case 1:
		f, err := os.Open(flags.Arg(0))
		if err != nil {
			log.Fatalln(err)
		}
		defer f.Close()
		in = f
	default:
		flags.Usage()
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cfg := ipc.DefaultConfig()
	cfg.Logger = klog.Background()
	sys := sim.NewSystem(cfg, nil)
	waitSys := sys.Start(ctx)

	interp := NewInterp(sys, os.Stdout)
	interp.Wait = *wait

	failed := Run(ctx, interp, in, interactive, *keep)

	if err := waitSys(); err != nil {
		log.Fatalln(err)
	}
	klog.Flush()
	if failed {
		os.Exit(1)
	}
}

// Run executes the lines of r until EOF or ctx is done and reports whether a
// command failed. Unless keepGoing is set it stops at the first failure.
// Interactive sessions prompt for each line and never stop on failures.
func Run(ctx context.Context, interp *Interp, r io.Reader, interactive, keepGoing bool) (failed bool) {
	scanner := bufio.NewScanner(r)
	for lineno := 1; ; lineno++ {
		if interactive {
			fmt.Fprint(interp.Out, "> ")
		}
		if ctx.Err() != nil || !scanner.Scan() {
			break
		}

		err := interp.Exec(scanner.Text())
		if err == nil {
			continue
		}
		failed = true
		if interactive {
			fmt.Fprintln(interp.Out, err)
			continue
		}
		log.Printf("line %d: %v", lineno, err)
		if !keepGoing {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		log.Println(err)
		failed = true
	}
	return failed
}
