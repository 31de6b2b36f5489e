// Command tasksh is the task executor supervisor: it reads commands from
// standard input and writes announcements to standard output, per
// SPEC_FULL.md.
package main

import (
	"fmt"
	"net/http"
	"os"

	"github.com/canonical/go-flags"

	"github.com/tasksh/tasksh/internals/command"
	"github.com/tasksh/tasksh/internals/config"
	"github.com/tasksh/tasksh/internals/logger"
	"github.com/tasksh/tasksh/internals/metrics"
)

var (
	// Standard streams, redirected in tests.
	Stdin  = os.Stdin
	Stdout = os.Stdout
	Stderr = os.Stderr
)

type options struct {
	ConfigPath  string `long:"config" description:"Path to a YAML configuration file" value-name:"PATH"`
	MaxTasks    int    `long:"max-tasks" description:"Override the configured task ceiling" value-name:"N"`
	MaxLine     int    `long:"max-line" description:"Override the configured captured line length" value-name:"N"`
	MetricsAddr string `long:"metrics-addr" description:"Address to serve Prometheus metrics on (disabled if empty)" value-name:"ADDR"`
}

func main() {
	logger.SetLogger(logger.New(Stderr, "[tasksh] "))

	if err := run(); err != nil {
		fmt.Fprintf(Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var opts options
	parser := flags.NewParser(&opts, flags.Default)
	if _, err := parser.Parse(); err != nil {
		if flags.WroteHelp(err) {
			return nil
		}
		return fmt.Errorf("cannot parse arguments: %w", err)
	}

	cfg := config.Default()
	if opts.ConfigPath != "" {
		loaded, err := config.Load(opts.ConfigPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if opts.MaxTasks != 0 {
		cfg.MaxTasks = opts.MaxTasks
	}
	if opts.MaxLine != 0 {
		cfg.MaxLine = opts.MaxLine
	}
	if opts.MetricsAddr != "" {
		cfg.MetricsAddr = opts.MetricsAddr
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	var m *metrics.Metrics
	if cfg.MetricsAddr != "" {
		m = metrics.New()
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: m.Handler()}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Noticef("metrics server exited: %v", err)
			}
		}()
	}

	loop := command.New(Stdin, Stdout, cfg.MaxTasks, cfg.MaxLine, m)
	return loop.Run()
}
