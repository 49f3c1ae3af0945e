package boot

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"k8s.io/klog/v2"

	"github.com/clktmr/atomdsp/drivers/ipc"
	"github.com/clktmr/atomdsp/drivers/ipc/oops"
	"github.com/clktmr/atomdsp/shim/sim"
)

const usageString = `Boot a simulated DSP and exchange messages with it.

Usage: %s [flags] [image]

`

var (
	flags = flag.NewFlagSet("boot", flag.ExitOnError)

	polls = flags.Int("polls", 1, "CSR polls until the core leaves wait mode, -1 for never")
	count = flags.Int("count", 4, "Number of messages to send")
	crash = flags.Bool("panic", false, "Let the firmware panic after the messages")
	wait  = flags.Duration("wait", time.Second, "Reply timeout")
)

func usage() {
	fmt.Fprintf(flags.Output(), usageString, "boot")
	flags.PrintDefaults()
}

func Main(args []string) {
	klog.InitFlags(flags)
	flags.Usage = usage
	flags.Parse(args[1:])

	var img []byte
	switch flags.NArg() {
	case 0:
	case 1:
		var err error
		img, err = os.ReadFile(flags.Arg(0))
		if err != nil {
			log.Fatalln(err)
		}
	default:
		flags.Usage()
		os.Exit(1)
	}
	defer klog.Flush()

	cfg := ipc.DefaultConfig()
	sys := sim.NewSystem(cfg, nil)
	sys.Shim.BootPolls = *polls

	stop := sys.Start(context.Background())

	if err := sys.Boot(img); err != nil {
		fmt.Println(sys.Device.Status())
		log.Fatalln("boot:", err)
	}

	for i := range *count {
		msg := fmt.Sprint("message ", i)
		r, err := sys.Host.Transact([]byte(msg), *wait)
		if err != nil {
			log.Fatalln(msg+":", err)
		}
		fmt.Printf("%s: reply %#x %q\n", msg, r.Header, r.Data)
	}

	if *crash {
		rec := &oops.Record{}
		rec.Regs.ExcCause = 28
		rec.Panic.Code = oops.PanicException
		copy(rec.Panic.Filename[:], "boot")
		sys.Firmware.Panic(oops.PanicException, rec, ipc.ExceptOffset)

		select {
		case p := <-sys.Host.Panics:
			if p.Err != nil {
				log.Println("crash record:", p.Err)
			}
		case <-time.After(*wait):
			log.Fatalln("panic not reported")
		}
	}

	st, rec, err := sys.Device.Dump()
	fmt.Println(st)
	if sys.Device.Faulted() {
		if err != nil {
			log.Println("crash record:", err)
		}
		rec.Print(os.Stdout)
	}

	if err := stop(); err != nil {
		log.Fatalln(err)
	}
}
