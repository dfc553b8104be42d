package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/GoCodeAlone/osgi"
	"github.com/GoCodeAlone/osgi/autoinstall"
	"github.com/GoCodeAlone/osgi/metrics"
	"github.com/GoCodeAlone/osgi/shell"
	"github.com/GoCodeAlone/osgi/webconsole"
)

type runOptions struct {
	configFile   string
	sets         []string
	logLevel     string
	logFormat    string
	noStart      bool
	httpAddr     string
	watchDir     string
	watchPattern string
	watchRescan  string
	interactive  bool
	stopTimeout  time.Duration
}

// NewRunCommand creates the command that hosts a framework until it is
// interrupted.
func NewRunCommand() *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run [location...]",
		Short: "Start a framework and install the given bundles",
		Long: `Start a framework, install and start the bundles at the given
locations and keep running until interrupted. The framework is configured
from --config, OSGI_* environment variables and --set key=value pairs.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, opts, args)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.configFile, "config", "c", "", "framework configuration file (YAML or TOML)")
	flags.StringArrayVar(&opts.sets, "set", nil, "framework property as key=value (repeatable)")
	flags.StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn or error")
	flags.StringVar(&opts.logFormat, "log-format", "console", "log encoding: console or json")
	flags.BoolVar(&opts.noStart, "no-start", false, "install bundles without starting them")
	flags.StringVar(&opts.httpAddr, "http", "", "serve the web console on this address")
	flags.StringVar(&opts.watchDir, "watch", "", "install bundles from this directory and follow its changes")
	flags.StringVar(&opts.watchPattern, "watch-pattern", "*.so", "library file pattern for --watch")
	flags.StringVar(&opts.watchRescan, "watch-rescan", "@every 30s", "cron schedule for full rescans of --watch")
	flags.BoolVarP(&opts.interactive, "shell", "i", false, "read us-* commands from standard input")
	flags.DurationVar(&opts.stopTimeout, "stop-timeout", 30*time.Second, "how long to wait for the framework to stop")
	return cmd
}

func (o *runOptions) configuration() (map[string]any, error) {
	configuration := make(map[string]any, len(o.sets)+2)
	for _, kv := range o.sets {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("invalid --set %q, want key=value", kv)
		}
		configuration[strings.TrimSpace(k)] = v
	}
	if o.configFile != "" {
		configuration[osgi.FrameworkConfigFile] = o.configFile
	}
	if o.logLevel != "" {
		configuration[osgi.FrameworkLogLevel] = o.logLevel
	}
	return configuration, nil
}

func newZapLogger(level, format string) (*zap.Logger, error) {
	var cfg zap.Config
	switch format {
	case "json":
		cfg = zap.NewProductionConfig()
	case "console":
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
	lvl := zapcore.InfoLevel
	if level != "" {
		if err := lvl.UnmarshalText([]byte(strings.ToLower(level))); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", level, err)
		}
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.DisableStacktrace = true
	return cfg.Build()
}

func run(cmd *cobra.Command, opts *runOptions, locations []string) error {
	configuration, err := opts.configuration()
	if err != nil {
		return err
	}
	cfg, err := osgi.LoadFrameworkConfig(configuration)
	if err != nil {
		return err
	}
	zl, err := newZapLogger(cfg.LogLevel, opts.logFormat)
	if err != nil {
		return err
	}
	defer func() { _ = zl.Sync() }()
	logger := osgi.NewZapLogger(zl)

	fw, err := osgi.NewFramework(configuration, osgi.WithLogger(logger))
	if err != nil {
		return err
	}
	m := metrics.New(fw)
	if err := m.Attach(); err != nil {
		return err
	}
	if err := fw.Start(); err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	installBundles(fw.BundleContext(), locations, !opts.noStart, cmd)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if opts.httpAddr != "" {
		srv, addr, err := serveConsole(fw, m, logger, opts.httpAddr)
		if err != nil {
			shutdown(fw, opts.stopTimeout)
			return err
		}
		fmt.Fprintf(out, "Web console listening on http://%s\n", addr)
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
	}

	if opts.watchDir != "" {
		w, err := autoinstall.New(fw.BundleContext(), autoinstall.Config{
			Dir:     opts.watchDir,
			Pattern: opts.watchPattern,
			Rescan:  opts.watchRescan,
			Start:   !opts.noStart,
		}, logger)
		if err == nil {
			err = w.Start()
		}
		if err != nil {
			logger.Error("Bundle directory watch failed", "dir", opts.watchDir, "error", err)
		} else {
			defer w.Stop()
		}
	}

	if opts.interactive {
		sh := shell.New(fw, out)
		if err := sh.Run(ctx, cmd.InOrStdin()); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("Shell ended with error", "error", err)
		}
	} else {
		waitForStop(ctx, fw)
	}

	evt := shutdown(fw, opts.stopTimeout)
	fmt.Fprintf(out, "Framework stopped: %s\n", evt.Type)
	if evt.Type == osgi.FrameworkWaitTimedOut {
		return fmt.Errorf("framework did not stop within %s", opts.stopTimeout)
	}
	return nil
}

func installBundles(ctx *osgi.BundleContext, locations []string, start bool, cmd *cobra.Command) {
	for _, location := range locations {
		b, err := ctx.InstallBundle(location)
		if err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "install %s: %v\n", location, err)
			continue
		}
		if !start {
			continue
		}
		if err := b.Start(); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "start %s: %v\n", b.SymbolicName(), err)
		}
	}
}

func serveConsole(fw *osgi.Framework, m *metrics.Metrics, logger osgi.Logger, addr string) (*http.Server, string, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, "", fmt.Errorf("web console: %w", err)
	}
	srv := &http.Server{
		Handler:           webconsole.New(fw, webconsole.WithMetrics(m.Handler()), webconsole.WithLogger(logger)),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Web console stopped", "error", err)
		}
	}()
	return srv, ln.Addr().String(), nil
}

// waitForStop returns when ctx is done or the framework stopped on its
// own. Framework updates restart it, so they are waited through.
func waitForStop(ctx context.Context, fw *osgi.Framework) {
	for {
		evt := fw.WaitForStopContext(ctx)
		if evt.Type != osgi.FrameworkStoppedUpdate {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func shutdown(fw *osgi.Framework, timeout time.Duration) osgi.FrameworkEvent {
	_ = fw.Stop()
	return fw.WaitForStop(timeout)
}
