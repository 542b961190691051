package cli

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/fullctl/aaactl-sub000/pkg/config"
	"github.com/fullctl/aaactl-sub000/pkg/observability"
)

// Opener builds the runtime a command operates on
type Opener func(ctx context.Context) (*Runtime, error)

// DefaultOpener loads configuration from the environment and wires a runtime
// logging to stderr
func DefaultOpener(ctx context.Context) (*Runtime, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stderr)
	return NewRuntime(ctx, cfg, logger)
}

// Command represents a CLI command
type Command struct {
	Name        string
	Description string
	Run         func(ctx context.Context, args []string) error
	Subcommands map[string]*Command
	Flags       *flag.FlagSet

	out io.Writer
}

// NewRootCommand creates the root command
func NewRootCommand(open Opener, out io.Writer) *Command {
	root := &Command{
		Name:        "aaactl",
		Description: "aaactl - permission and billing maintenance",
		Subcommands: make(map[string]*Command),
		Flags:       flag.NewFlagSet("aaactl", flag.ContinueOnError),
		out:         out,
	}

	for _, cmd := range []*Command{
		newProgressBillingCommand(open, out),
		newExpireProductsCommand(open, out),
		newCycleCommand(open, out),
		newRecomputeCommand(open, out),
		newSeedCommand(open, out),
	} {
		root.Subcommands[cmd.Name] = cmd
	}

	return root
}

// Execute runs the subcommand named by args[0]
func (c *Command) Execute(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return c.usage()
	}

	if args[0] == "-h" || args[0] == "--help" {
		return c.usage()
	}

	if subcmd, ok := c.Subcommands[args[0]]; ok {
		return subcmd.Run(ctx, args[1:])
	}

	return fmt.Errorf("unknown command: %s", args[0])
}

// usage prints the command usage
func (c *Command) usage() error {
	names := make([]string, 0, len(c.Subcommands))
	for name := range c.Subcommands {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Fprintf(c.out, "Usage: %s <command> [args]\n\n", c.Name)
	fmt.Fprintf(c.out, "Commands:\n")
	for _, name := range names {
		fmt.Fprintf(c.out, "  %-24s %s\n", name, c.Subcommands[name].Description)
	}
	return nil
}

// withRuntime opens a runtime for the duration of fn
func withRuntime(ctx context.Context, open Opener, fn func(rt *Runtime) error) (err error) {
	rt, err := open(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := rt.Close(ctx); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(rt)
}
