package scenario

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"

	"github.com/clktmr/atomdsp/drivers/ipc"
	"github.com/clktmr/atomdsp/drivers/ipc/oops"
	"github.com/clktmr/atomdsp/shim/sim"
)

var (
	errUsage   = errors.New("usage")
	errExpect  = errors.New("expectation failed")
	errUnknown = errors.New("unknown command")
	errNoReply = errors.New("no reply")
)

const defaultWait = time.Second

// Interp executes scenario commands on a simulated system.
type Interp struct {
	Sys *sim.System
	Out io.Writer

	// Wait bounds send and expect.
	Wait time.Duration

	last *sim.Reply
}

type command struct {
	args  string
	help  string
	run   func(in *Interp, args []string) error
	nargs int // minimum
}

var commands map[string]command

func init() {
	commands = map[string]command{
		"reset":  {"", "reset the DSP and leave it stalled", (*Interp).reset, 0},
		"load":   {"<file>", "load a firmware image into DRAM", (*Interp).load, 1},
		"polls":  {"<n>", "polls until the core leaves wait mode, -1 for never", (*Interp).polls, 1},
		"run":    {"", "release the stall and enable IPC", (*Interp).run, 0},
		"boot":   {"[file]", "reset, load and run", (*Interp).boot, 0},
		"send":   {"<text>", "send a message and wait for the reply", (*Interp).send, 1},
		"notify": {"<text>", "let the firmware post a message", (*Interp).notify, 1},
		"panic":  {"<code> [offset]", "let the firmware panic", (*Interp).crash, 1},
		"status": {"", "print registers and the crash record", (*Interp).status, 0},
		"sleep":  {"<duration>", "pause", (*Interp).sleep, 1},
		"expect": {"reply|message|panic [text]", "check what arrived last", (*Interp).expect, 1},
		"help":   {"", "list commands", (*Interp).help, 0},
	}
}

func NewInterp(sys *sim.System, out io.Writer) *Interp {
	return &Interp{Sys: sys, Out: out, Wait: defaultWait}
}

// Exec runs a single command line. Empty lines and comments starting with
// '#' are ignored.
func (in *Interp) Exec(line string) error {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return nil
	}
	args, err := shellquote.Split(line)
	if err != nil {
		return err
	}

	cmd, ok := commands[args[0]]
	if !ok {
		return fmt.Errorf("%w: %s", errUnknown, args[0])
	}
	if len(args)-1 < cmd.nargs {
		return fmt.Errorf("%w: %s %s", errUsage, args[0], cmd.args)
	}
	return cmd.run(in, args[1:])
}

func (in *Interp) reset(args []string) error {
	in.Sys.Device.Reset()
	return nil
}

func (in *Interp) load(args []string) error {
	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()
	n, err := in.Sys.Device.Core().Load(f)
	if err != nil {
		return err
	}
	fmt.Fprintf(in.Out, "loaded %d bytes\n", n)
	return nil
}

func (in *Interp) polls(args []string) error {
	n, err := strconv.Atoi(args[0])
	if err != nil {
		return err
	}
	in.Sys.Shim.BootPolls = n
	return nil
}

func (in *Interp) run(args []string) error {
	mask, err := in.Sys.Device.Run()
	if err != nil {
		return err
	}
	in.Sys.Device.Init()
	fmt.Fprintf(in.Out, "cores %#x running\n", mask)
	return nil
}

func (in *Interp) boot(args []string) error {
	var img []byte
	if len(args) > 0 {
		var err error
		if img, err = os.ReadFile(args[0]); err != nil {
			return err
		}
	}
	return in.Sys.Boot(img)
}

func (in *Interp) send(args []string) error {
	r, err := in.Sys.Host.Transact([]byte(strings.Join(args, " ")), in.Wait)
	if err != nil {
		return err
	}
	in.last = &r
	fmt.Fprintf(in.Out, "reply %#x %q\n", r.Header, r.Data)
	return nil
}

func (in *Interp) notify(args []string) error {
	in.Sys.Firmware.Notify([]byte(strings.Join(args, " ")))
	return nil
}

// parsePanicCode accepts a code number or a panic name, e.g. "stack overflow".
func parsePanicCode(s string) (oops.PanicCode, error) {
	if n, err := strconv.ParseUint(s, 0, 32); err == nil {
		return oops.PanicMagic | oops.PanicCode(n)&oops.PanicCodeMask, nil
	}
	for c := oops.PanicMem; c <= oops.PanicAssert; c++ {
		if c.String() == s {
			return c, nil
		}
	}
	return 0, fmt.Errorf("invalid panic code %q", s)
}

func (in *Interp) crash(args []string) error {
	code, err := parsePanicCode(args[0])
	if err != nil {
		return err
	}
	offset := uint64(ipc.ExceptOffset)
	if len(args) > 1 {
		if offset, err = strconv.ParseUint(args[1], 0, 16); err != nil {
			return err
		}
	}

	rec := &oops.Record{}
	rec.Panic.Code = code
	copy(rec.Panic.Filename[:], "scenario")
	in.Sys.Firmware.Panic(code, rec, uint16(offset))
	return nil
}

func (in *Interp) status(args []string) error {
	st, rec, err := in.Sys.Device.Dump()
	fmt.Fprintln(in.Out, st)
	if err != nil {
		fmt.Fprintln(in.Out, "crash record:", err)
		return nil
	}
	rec.Print(in.Out)
	return nil
}

func (in *Interp) sleep(args []string) error {
	d, err := time.ParseDuration(args[0])
	if err != nil {
		return err
	}
	time.Sleep(d)
	return nil
}

func (in *Interp) expect(args []string) error {
	want := strings.Join(args[1:], " ")
	timer := time.NewTimer(in.Wait)
	defer timer.Stop()

	switch args[0] {
	case "reply":
		if in.last == nil {
			return errNoReply
		}
		if got := string(in.last.Data); len(args) > 1 && got != want {
			return fmt.Errorf("%w: reply %q, want %q", errExpect, got, want)
		}
	case "message":
		select {
		case m := <-in.Sys.Host.Messages:
			if got := string(m.Data); len(args) > 1 && got != want {
				return fmt.Errorf("%w: message %q, want %q", errExpect, got, want)
			}
			fmt.Fprintf(in.Out, "message %#x %q\n", m.Header, m.Data)
		case <-timer.C:
			return fmt.Errorf("%w: no message", errExpect)
		}
	case "panic":
		select {
		case p := <-in.Sys.Host.Panics:
			if got := p.Code.String(); len(args) > 1 && got != want {
				return fmt.Errorf("%w: panic %q, want %q", errExpect, got, want)
			}
			fmt.Fprintf(in.Out, "panic %v\n", p.Code)
		case <-timer.C:
			return fmt.Errorf("%w: no panic", errExpect)
		}
	default:
		return fmt.Errorf("%w: expect reply|message|panic [text]", errUsage)
	}
	return nil
}

func (in *Interp) help(args []string) error {
	for _, name := range []string{
		"reset", "load", "polls", "run", "boot", "send", "notify",
		"panic", "status", "sleep", "expect", "help",
	} {
		cmd := commands[name]
		fmt.Fprintf(in.Out, "  %-6s %-26s %s\n", name, cmd.args, cmd.help)
	}
	return nil
}
