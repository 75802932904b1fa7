// Command syncsonicd is the multi-speaker audio hub daemon: one process per
// Pi, bridging a phone's BLE control channel to BlueZ/PulseAudio. Grounded
// on the teacher's single-command main.go, widened from an argv switch over
// daemon/status/toggle to the one long-running mode this port supports.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"

	"github.com/syncsonic/syncsonicd/internal/daemon"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "syncsonicd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := daemon.LoadConfig()
	log := newLogger(cfg.LogLevel)

	d, err := daemon.New(cfg, log)
	if err != nil {
		return fmt.Errorf("init: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := d.Start(ctx); err != nil {
		return fmt.Errorf("start: %w", err)
	}

	return d.Run(ctx)
}

// newLogger builds a zerolog.Logger writing human-readable color output to
// a terminal and plain JSON lines otherwise (e.g. under systemd), the same
// isatty-gated ConsoleWriter choice zerolog's own docs and this pack's
// dependency graph (mattn/go-isatty, mattn/go-colorable pulled in as
// zerolog's console-writer deps) are built around.
func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}

	var out io.Writer = os.Stderr
	if isatty.IsTerminal(os.Stderr.Fd()) {
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}
	}

	return zerolog.New(out).Level(lvl).With().Timestamp().Logger()
}
