package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/basket/crewdesk/internal/config"
	"github.com/basket/crewdesk/internal/persistence"
	"github.com/basket/crewdesk/internal/tui"
)

// runBoardCommand shows the board straight from the database, so it works
// whether or not a daemon is running. Dispatcher figures stay empty.
func runBoardCommand(ctx context.Context, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: crewdesk board")
		return 2
	}
	if !isatty.IsTerminal(os.Stdout.Fd()) && !isatty.IsCygwinTerminal(os.Stdout.Fd()) {
		fmt.Fprintln(os.Stderr, "board needs a terminal; use `crewdesk status` for scripts")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		return 1
	}
	defer store.Close()

	src := tui.Source{Store: store, Started: time.Now()}
	if err := tui.Run(ctx, src.Snapshot, nil); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "board: %v\n", err)
		return 1
	}
	return 0
}
