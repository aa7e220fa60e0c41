// Package channels delivers notifications to people outside the engine.
package channels

import (
	"context"
	"log/slog"
	"sync"
)

// Channel is one delivery adapter. Start blocks until ctx ends or the
// adapter fails for good.
type Channel interface {
	Name() string
	Start(ctx context.Context) error
}

// Group runs several channels side by side. A failing channel is logged and
// does not stop the others.
type Group struct {
	logger *slog.Logger
	chans  []Channel
	wg     sync.WaitGroup
}

func NewGroup(logger *slog.Logger, chans ...Channel) *Group {
	if logger == nil {
		logger = slog.Default()
	}
	return &Group{logger: logger, chans: chans}
}

func (g *Group) Len() int { return len(g.chans) }

func (g *Group) Start(ctx context.Context) {
	for _, c := range g.chans {
		g.wg.Add(1)
		go func(c Channel) {
			defer g.wg.Done()
			if err := c.Start(ctx); err != nil && ctx.Err() == nil {
				g.logger.Error("channel stopped", "channel", c.Name(), "error", err)
			}
		}(c)
	}
}

// Wait blocks until every channel has returned.
func (g *Group) Wait() { g.wg.Wait() }
