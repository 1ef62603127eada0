// Command mt5desk lists, creates and funds MT5 sub-accounts from a terminal.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/coachpo/mt5desk/internal/infra/config"
	"github.com/coachpo/mt5desk/internal/observability"
)

const (
	defaultConfigPath = "config/app.yaml"
	loggerPrefix      = "mt5desk "
)

const (
	exitOK      = 0
	exitFailure = 1
	exitUsage   = 2
)

func main() {
	ctx, cancel := newSignalContext()
	code := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	cancel()
	os.Exit(code)
}

func run(ctx context.Context, argv []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("mt5desk", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfgPath := fs.String("config", "", fmt.Sprintf("Path to application configuration file (default: %s)", defaultConfigPath))
	offline := fs.Bool("offline", false, "Answer every request from the simulated remote regardless of channel.mode")
	verbose := fs.Bool("v", false, "Log engine activity to stderr")
	fs.Usage = func() { printUsage(fs.Output()) }
	if err := fs.Parse(argv); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		return exitUsage
	}
	args := fs.Args()
	if len(args) == 0 {
		printUsage(stderr)
		return exitUsage
	}

	// logger stays nil unless -v; the engine then logs nowhere.
	var logger *log.Logger
	if *verbose {
		logger = newLogger(stderr)
		observability.SetLogger(observability.NewStdLogger(logger).EnableDebug())
	}

	cfg, err := config.LoadOrDefault(ctx, resolveConfigPath(*cfgPath))
	if err != nil {
		fmt.Fprintf(stderr, "load config: %v\n", err)
		return exitFailure
	}
	if *offline {
		cfg.Channel.Mode = config.ModeOffline
	}

	if _, ok := commands[args[0]]; !ok && args[0] != cmdShell {
		fmt.Fprintf(stderr, "unknown command %q\n", args[0])
		printUsage(stderr)
		return exitUsage
	}

	a, err := newApp(ctx, logger, cfg)
	if err != nil {
		fmt.Fprintf(stderr, "start: %v\n", err)
		return exitFailure
	}
	defer a.close()

	if _, err := a.session.Bootstrap(ctx); err != nil {
		a.flushNotices(stdout)
		fmt.Fprintf(stderr, "load accounts: %v\n", err)
		return exitFailure
	}

	if args[0] == cmdShell {
		err = a.shell(ctx, stdin, stdout)
	} else {
		err = a.execute(ctx, args, stdout)
	}
	a.drain()
	a.flushNotices(stdout)
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, errUsage):
		fmt.Fprintln(stderr, err)
		return exitUsage
	case errors.Is(err, errOutcome):
		return exitFailure
	default:
		fmt.Fprintln(stderr, err)
		return exitFailure
	}
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newLogger(w io.Writer) *log.Logger {
	return log.New(w, loggerPrefix, log.LstdFlags|log.Lmicroseconds)
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return filepath.Clean(defaultConfigPath)
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `usage: mt5desk [-config file] [-offline] [-v] <command> [arguments]

commands:
  list                                  show every account slot
  servers <type>                        show the servers an account type can be created on
  create <type> -password P [-server id] [-name N] [-confirm]
  password change <account> -old P -new P
  password email <account>
  password reset <account> -new P [-code C]
  deposit <account> <amount>
  withdraw <account> <amount>
  topup <account>
  shell                                 read commands from standard input

<type> is an account type such as real_gaming_financial; <account> is a slot key or MT5 login.
`)
}
