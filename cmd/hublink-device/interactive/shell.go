// Package interactive provides the interactive command line of
// hublink-device.
package interactive

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/chzyer/readline"

	"github.com/hublink-io/hublink-go/pkg/device"
	"github.com/hublink-io/hublink-go/pkg/message"
	"github.com/hublink-io/hublink-go/pkg/retry"
)

// Simulation is the telemetry generator controlled from the shell.
type Simulation interface {
	Start()
	Stop()
	Running() bool
}

// Shell runs commands against the clients of one process.
type Shell struct {
	rl      *readline.Instance
	out     io.Writer
	clients []*device.Client
	current *device.Client
	sim     Simulation

	// opTimeout bounds each command's protocol operation.
	opTimeout time.Duration
}

// New creates a shell reading from the terminal.
func New() (*Shell, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "hublink> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create readline: %w", err)
	}
	return &Shell{rl: rl, out: rl.Stdout(), opTimeout: 30 * time.Second}, nil
}

// Stdout returns a writer that coordinates with the prompt. Route log output
// through it.
func (s *Shell) Stdout() io.Writer {
	return s.rl.Stdout()
}

// Run reads commands until quit, EOF or ctx is done.
func (s *Shell) Run(ctx context.Context, cancel context.CancelFunc, clients []*device.Client, sim Simulation) {
	defer s.rl.Close()

	s.clients = clients
	s.sim = sim
	if len(clients) > 0 {
		s.current = clients[0]
	}
	s.updatePrompt()
	s.printHelp()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line, err := s.rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				continue
			}
			fmt.Fprintln(s.out, "Exiting...")
			cancel()
			return
		}
		if !s.Exec(ctx, line) {
			fmt.Fprintln(s.out, "Exiting...")
			cancel()
			return
		}
	}
}

// Exec runs one command line. It returns false when the shell should exit.
func (s *Shell) Exec(ctx context.Context, line string) bool {
	parts := strings.Fields(strings.TrimSpace(line))
	if len(parts) == 0 {
		return true
	}
	cmd := strings.ToLower(parts[0])
	args := parts[1:]

	switch cmd {
	case "help", "?":
		s.printHelp()
	case "devices", "ls":
		s.cmdDevices()
	case "use":
		s.cmdUse(args)
	case "status", "st":
		s.cmdStatus()
	case "open":
		s.withClient(func(c *device.Client) error { return s.run(ctx, c.Open) })
	case "close":
		s.withClient(func(c *device.Client) error { return s.run(ctx, c.Close) })
	case "send":
		s.cmdSend(ctx, args)
	case "twin":
		s.cmdTwin(ctx)
	case "report":
		s.cmdReport(ctx, args)
	case "policy":
		s.cmdPolicy(args)
	case "sim":
		s.cmdSim(args)
	case "quit", "exit", "q":
		return false
	default:
		fmt.Fprintf(s.out, "Unknown command: %s (type 'help' for commands)\n", cmd)
	}
	return true
}

func (s *Shell) printHelp() {
	fmt.Fprintln(s.out, `
hublink device commands:
  devices              - List devices and their status
  use <id>             - Select the device other commands act on
  status               - Show the selected device's status
  open | close         - Open or close the selected device
  send <text>          - Send a telemetry message
  twin                 - Fetch the twin document
  report <json>        - Patch reported properties
  policy <none|fixed <n> <delay>|exponential [max]>
                       - Replace the retry policy
  sim <start|stop>     - Control telemetry simulation
  quit                 - Exit`)
}

func (s *Shell) updatePrompt() {
	if s.rl == nil {
		return
	}
	if s.current == nil {
		s.rl.SetPrompt("hublink> ")
		return
	}
	s.rl.SetPrompt(fmt.Sprintf("hublink [%s]> ", s.current.Identity().Key()))
}

func (s *Shell) withClient(fn func(c *device.Client) error) {
	if s.current == nil {
		fmt.Fprintln(s.out, "No device selected")
		return
	}
	if err := fn(s.current); err != nil {
		fmt.Fprintf(s.out, "Error: %v\n", err)
	}
}

func (s *Shell) run(ctx context.Context, op func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()
	return op(ctx)
}

func (s *Shell) cmdDevices() {
	for _, c := range s.clients {
		mark := " "
		if c == s.current {
			mark = "*"
		}
		status, reason := c.Status()
		fmt.Fprintf(s.out, "%s %-24s %-22s %s\n", mark, c.Identity().Key(), status, reason)
	}
}

func (s *Shell) cmdUse(args []string) {
	if len(args) != 1 {
		fmt.Fprintln(s.out, "Usage: use <id>")
		return
	}
	for _, c := range s.clients {
		if c.Identity().Key() == args[0] {
			s.current = c
			s.updatePrompt()
			return
		}
	}
	fmt.Fprintf(s.out, "Unknown device: %s\n", args[0])
}

func (s *Shell) cmdStatus() {
	s.withClient(func(c *device.Client) error {
		status, reason := c.Status()
		fmt.Fprintf(s.out, "%s: %s (%s)\n", c.Identity().Key(), status, reason)
		if s.sim != nil {
			fmt.Fprintf(s.out, "simulation running: %t\n", s.sim.Running())
		}
		return nil
	})
}

func (s *Shell) cmdSend(ctx context.Context, args []string) {
	if len(args) == 0 {
		fmt.Fprintln(s.out, "Usage: send <text>")
		return
	}
	s.withClient(func(c *device.Client) error {
		msg := message.New([]byte(strings.Join(args, " ")))
		msg.ContentType = "text/plain"
		err := s.run(ctx, func(ctx context.Context) error { return c.SendEvent(ctx, msg) })
		if err != nil {
			return err
		}
		fmt.Fprintf(s.out, "sent %s\n", msg.MessageID)
		return nil
	})
}

func (s *Shell) cmdTwin(ctx context.Context) {
	s.withClient(func(c *device.Client) error {
		var doc map[string]any
		if err := s.run(ctx, func(ctx context.Context) error { return c.GetTwinInto(ctx, &doc) }); err != nil {
			return err
		}
		out, err := json.MarshalIndent(doc, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(s.out, string(out))
		return nil
	})
}

func (s *Shell) cmdReport(ctx context.Context, args []string) {
	if len(args) == 0 {
		fmt.Fprintln(s.out, "Usage: report <json>")
		return
	}
	var patch map[string]any
	if err := json.Unmarshal([]byte(strings.Join(args, " ")), &patch); err != nil {
		fmt.Fprintf(s.out, "Invalid JSON: %v\n", err)
		return
	}
	s.withClient(func(c *device.Client) error {
		var v int64
		err := s.run(ctx, func(ctx context.Context) error {
			var err error
			v, err = c.UpdateReportedProperties(ctx, patch)
			return err
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(s.out, "reported version %d\n", v)
		return nil
	})
}

// ParsePolicy builds a retry policy from shell arguments.
func ParsePolicy(args []string) (retry.Policy, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("missing policy name")
	}
	switch strings.ToLower(args[0]) {
	case "none":
		return retry.NoRetry{}, nil
	case "fixed":
		if len(args) != 3 {
			return nil, fmt.Errorf("usage: policy fixed <n> <delay>")
		}
		n, err := strconv.Atoi(args[1])
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid retry count %q", args[1])
		}
		d, err := time.ParseDuration(args[2])
		if err != nil {
			return nil, fmt.Errorf("invalid delay %q: %w", args[2], err)
		}
		return retry.Fixed{MaxRetries: n, Delay: d}, nil
	case "exponential", "exp":
		limit := 0
		if len(args) > 1 {
			n, err := strconv.Atoi(args[1])
			if err != nil || n < 0 {
				return nil, fmt.Errorf("invalid retry count %q", args[1])
			}
			limit = n
		}
		return retry.NewExponentialBackoff(retry.BackoffConfig{}, limit), nil
	default:
		return nil, fmt.Errorf("unknown policy %q", args[0])
	}
}

func (s *Shell) cmdPolicy(args []string) {
	p, err := ParsePolicy(args)
	if err != nil {
		fmt.Fprintf(s.out, "Error: %v\n", err)
		return
	}
	s.withClient(func(c *device.Client) error {
		c.SetRetryPolicy(p)
		fmt.Fprintf(s.out, "retry policy set for %s\n", c.Identity().Key())
		return nil
	})
}

func (s *Shell) cmdSim(args []string) {
	if s.sim == nil {
		fmt.Fprintln(s.out, "Simulation unavailable")
		return
	}
	if len(args) != 1 {
		fmt.Fprintln(s.out, "Usage: sim <start|stop>")
		return
	}
	switch args[0] {
	case "start":
		s.sim.Start()
	case "stop":
		s.sim.Stop()
	default:
		fmt.Fprintln(s.out, "Usage: sim <start|stop>")
	}
}
