// Package shell implements the us-* command language for administering a
// running framework from a terminal.
package shell

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/GoCodeAlone/osgi"
)

// Prompt is printed before every line read by Run.
const Prompt = "osgi> "

var (
	ErrUnknownCommand  = errors.New("unknown command")
	ErrMissingArgument = errors.New("missing argument")
	ErrNotRunning      = errors.New("framework is not running")
)

// ContextProvider yields the context commands run against. *osgi.Framework
// satisfies it; the context is looked up for every command so the shell
// keeps working across framework restarts.
type ContextProvider interface {
	BundleContext() *osgi.BundleContext
}

type command struct {
	usage string
	help  string
	run   func(s *Shell, ctx *osgi.BundleContext, args []string) error
}

// Shell interprets us-* commands and writes their output to out.
type Shell struct {
	provider ContextProvider
	out      io.Writer
	commands map[string]command
}

// New creates a shell over provider.
func New(provider ContextProvider, out io.Writer) *Shell {
	return &Shell{
		provider: provider,
		out:      out,
		commands: map[string]command{
			"us-ls":        {"us-ls", "list installed bundles", (*Shell).list},
			"us-install":   {"us-install <location>...", "install bundles", (*Shell).install},
			"us-uninstall": {"us-uninstall <id|name>...", "uninstall bundles", (*Shell).uninstall},
			"us-start":     {"us-start <id|name>...", "start bundles", (*Shell).start},
			"us-stop":      {"us-stop <id|name>...", "stop bundles", (*Shell).stop},
			"us-update":    {"us-update <id|name> [location]", "update a bundle, optionally from a new location", (*Shell).update},
			"us-services":  {"us-services [filter]", "list registered services, optionally matching an LDAP filter", (*Shell).services},
			"us-help":      {"us-help", "show this help", (*Shell).help},
		},
	}
}

// Execute runs one command line. Blank lines and lines starting with '#'
// are ignored.
func (s *Shell) Execute(line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 || strings.HasPrefix(fields[0], "#") {
		return nil
	}
	cmd, ok := s.commands[fields[0]]
	if !ok {
		return fmt.Errorf("%w: %s (try us-help)", ErrUnknownCommand, fields[0])
	}
	var ctx *osgi.BundleContext
	if fields[0] != "us-help" {
		if ctx = s.provider.BundleContext(); ctx == nil {
			return ErrNotRunning
		}
	}
	if err := cmd.run(s, ctx, fields[1:]); err != nil {
		return fmt.Errorf("%s: %w", fields[0], err)
	}
	return nil
}

// Run reads commands from in until it is exhausted, ctx is cancelled or
// the user types "exit". Command errors are printed and do not stop the
// loop.
func (s *Shell) Run(ctx context.Context, in io.Reader) error {
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(s.out, Prompt)
		if !scanner.Scan() {
			fmt.Fprintln(s.out)
			return scanner.Err()
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "exit" || line == "quit" {
			return nil
		}
		if err := s.Execute(line); err != nil {
			fmt.Fprintf(s.out, "error: %v\n", err)
		}
	}
}

// resolve finds a bundle by id or, failing that, by symbolic name.
func resolve(ctx *osgi.BundleContext, arg string) (*osgi.Bundle, error) {
	if id, err := strconv.ParseInt(arg, 10, 64); err == nil {
		return ctx.GetBundle(id)
	}
	bundles, err := ctx.Bundles()
	if err != nil {
		return nil, err
	}
	for _, b := range bundles {
		if b.SymbolicName() == arg {
			return b, nil
		}
	}
	return nil, fmt.Errorf("bundle %q: %w", arg, osgi.ErrBundleNotFound)
}

// each applies fn to every argument, reporting all failures.
func each(ctx *osgi.BundleContext, args []string, fn func(*osgi.Bundle) error) error {
	if len(args) == 0 {
		return ErrMissingArgument
	}
	var errs []error
	for _, arg := range args {
		b, err := resolve(ctx, arg)
		if err == nil {
			err = fn(b)
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Shell) list(ctx *osgi.BundleContext, _ []string) error {
	bundles, err := ctx.Bundles()
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(s.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "Id\tSymbolic Name\tVersion\tState\tLocation")
	for _, b := range bundles {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", b.ID(), b.SymbolicName(), b.Version(), b.State(), b.Location())
	}
	return tw.Flush()
}

func (s *Shell) install(ctx *osgi.BundleContext, args []string) error {
	if len(args) == 0 {
		return ErrMissingArgument
	}
	var errs []error
	for _, location := range args {
		b, err := ctx.InstallBundle(location)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		fmt.Fprintf(s.out, "Installed %s (id %d)\n", b.SymbolicName(), b.ID())
	}
	return errors.Join(errs...)
}

func (s *Shell) uninstall(ctx *osgi.BundleContext, args []string) error {
	return each(ctx, args, func(b *osgi.Bundle) error {
		if err := b.Uninstall(); err != nil {
			return err
		}
		fmt.Fprintf(s.out, "Uninstalled %s (id %d)\n", b.SymbolicName(), b.ID())
		return nil
	})
}

func (s *Shell) start(ctx *osgi.BundleContext, args []string) error {
	return each(ctx, args, func(b *osgi.Bundle) error {
		if err := b.Start(); err != nil {
			return err
		}
		fmt.Fprintf(s.out, "Started %s (id %d)\n", b.SymbolicName(), b.ID())
		return nil
	})
}

func (s *Shell) stop(ctx *osgi.BundleContext, args []string) error {
	return each(ctx, args, func(b *osgi.Bundle) error {
		if err := b.Stop(); err != nil {
			return err
		}
		fmt.Fprintf(s.out, "Stopped %s (id %d)\n", b.SymbolicName(), b.ID())
		return nil
	})
}

func (s *Shell) update(ctx *osgi.BundleContext, args []string) error {
	if len(args) == 0 || len(args) > 2 {
		return ErrMissingArgument
	}
	b, err := resolve(ctx, args[0])
	if err != nil {
		return err
	}
	if err := b.Update(args[1:]...); err != nil {
		return err
	}
	fmt.Fprintf(s.out, "Updated %s (id %d)\n", b.SymbolicName(), b.ID())
	return nil
}

func (s *Shell) services(ctx *osgi.BundleContext, args []string) error {
	refs, err := ctx.GetServiceReferences("", strings.Join(args, " "))
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(s.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "Id\tRanking\tBundle\tInterfaces")
	for _, ref := range refs {
		owner := "-"
		if b := ref.Bundle(); b != nil {
			owner = strconv.FormatInt(b.ID(), 10)
		}
		fmt.Fprintf(tw, "%d\t%d\t%s\t%s\n", ref.ID(), ref.Ranking(), owner, strings.Join(ref.Interfaces(), ", "))
	}
	return tw.Flush()
}

func (s *Shell) help(_ *osgi.BundleContext, _ []string) error {
	names := make([]string, 0, len(s.commands))
	for name := range s.commands {
		names = append(names, name)
	}
	sort.Strings(names)
	tw := tabwriter.NewWriter(s.out, 0, 4, 2, ' ', 0)
	for _, name := range names {
		fmt.Fprintf(tw, "%s\t%s\n", s.commands[name].usage, s.commands[name].help)
	}
	fmt.Fprintln(tw, "exit\tleave the shell")
	return tw.Flush()
}
