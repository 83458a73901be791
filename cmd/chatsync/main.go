// Copyright 2026 The Chatsync Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/souravsarkar1/chatsync/lib/config"
	"github.com/souravsarkar1/chatsync/lib/process"
)

// tokenEnvVar names the environment variable holding the bearer token.
const tokenEnvVar = "CHATSYNC_TOKEN"

// options are the global flags.
type options struct {
	configPath  string
	tokenFile   string
	userID      string
	logLevel    string
	metricsAddr string
}

// usageError is a command-line mistake; it exits with status 2.
type usageError struct{ message string }

func (e *usageError) Error() string { return e.message }
func (e *usageError) ExitCode() int { return 2 }

func usagef(format string, args ...any) error {
	return &usageError{message: fmt.Sprintf(format, args...)}
}

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var opts options
	flagSet := pflag.NewFlagSet("chatsync", pflag.ContinueOnError)
	flagSet.SetInterspersed(false)
	flagSet.StringVar(&opts.configPath, "config", "", "path to the YAML config file (default: $"+config.EnvVar+")")
	flagSet.StringVar(&opts.tokenFile, "token-file", "", "read the bearer token from this file instead of $"+tokenEnvVar)
	flagSet.StringVar(&opts.userID, "user-id", "", "local user ID (required when the token is not a JWT)")
	flagSet.StringVar(&opts.logLevel, "log-level", "warn", "log level: debug, info, warn, error")
	flagSet.StringVar(&opts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (e.g. 127.0.0.1:9464)")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			printHelp(flagSet)
			return nil
		}
		return &usageError{message: err.Error()}
	}
	if help, _ := flagSet.GetBool("help"); help {
		printHelp(flagSet)
		return nil
	}

	args := flagSet.Args()
	if len(args) == 0 {
		printHelp(flagSet)
		return usagef("missing command")
	}

	level, err := parseLevel(opts.logLevel)
	if err != nil {
		return err
	}
	logger := newLogger(os.Stderr, level)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	command, commandArgs := args[0], args[1:]
	switch command {
	case "conversations":
		if len(commandArgs) != 0 {
			return usagef("usage: chatsync conversations")
		}
	case "tail":
		if len(commandArgs) != 1 {
			return usagef("usage: chatsync tail <conversation>")
		}
	case "send":
		if len(commandArgs) < 2 {
			return usagef("usage: chatsync send <conversation> <text>")
		}
	default:
		return usagef("unknown command %q", command)
	}

	application, err := newApp(opts, logger)
	if err != nil {
		return err
	}
	defer application.Close()

	switch command {
	case "conversations":
		return application.listConversations(ctx, os.Stdout)
	case "tail":
		return application.tail(ctx, commandArgs[0], os.Stdin, os.Stdout)
	default:
		return application.send(ctx, commandArgs[0], strings.Join(commandArgs[1:], " "), os.Stdout)
	}
}

// newLogger writes text to a terminal and JSON when stderr is piped or
// redirected.
func newLogger(stderr *os.File, level slog.Level) *slog.Logger {
	options := &slog.HandlerOptions{Level: level}
	if term.IsTerminal(int(stderr.Fd())) {
		return slog.New(slog.NewTextHandler(stderr, options))
	}
	return slog.New(slog.NewJSONHandler(stderr, options))
}

func parseLevel(name string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(name)); err != nil {
		return 0, usagef("invalid --log-level %q", name)
	}
	return level, nil
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `chatsync: terminal client for the chat backend.

Usage:
  chatsync [flags] conversations
  chatsync [flags] tail <conversation>
  chatsync [flags] send <conversation> <text>

In tail, each line read from stdin is sent as a message. Lines
starting with a slash are commands:
  /retry <id>   resend a failed message
  /older        load the previous page of history
  /quit         exit

The bearer token is read from $%s or --token-file.

Flags:
`, tokenEnvVar)
	flagSet.SetOutput(os.Stderr)
	flagSet.PrintDefaults()
}
