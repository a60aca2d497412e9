package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	"meshrelay/internal/app"
)

func main() {
	var (
		cfgPath  string
		logLevel string
	)
	flag.StringVarP(&cfgPath, "config", "c", "./config.yaml", "path to config file (json or yaml)")
	flag.StringVar(&logLevel, "log-level", "", "override logging.level (trace, debug, info, warn, error)")
	flag.Parse()

	os.Exit(run(cfgPath, logLevel))
}

func run(cfgPath, logLevel string) int {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	a, err := app.New(cfgPath, app.WithLogLevel(logLevel))
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		return 1
	}
	if err := a.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fatal start:", err)
		_ = a.Stop(context.Background(), app.StopFatalError)
		return 1
	}

	reason := app.StopFatalError
	select {
	case sig := <-sigCh:
		reason = app.StopSIGTERM
		if sig == os.Interrupt {
			reason = app.StopSIGINT
		}
	case <-a.Done():
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := a.Stop(stopCtx, reason); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, "fatal:", err)
		}
		// Non-zero so the service manager restarts us.
		return 1
	}
	return 0
}
