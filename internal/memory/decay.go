package memory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/crewdesk/internal/bus"
	"github.com/basket/crewdesk/internal/otel"
)

// Archiver archives one batch of cold records and reports how many.
type Archiver interface {
	ArchiveBatch(ctx context.Context, cutoff time.Time, floor, limit int) (int64, error)
}

type DecayConfig struct {
	Store  Archiver
	Bus    *bus.Bus
	Logger *slog.Logger
	// Interval runs a pass on a fixed period. Ignored when CronSpec is set.
	Interval time.Duration
	// CronSpec is a 5-field cron expression.
	CronSpec string
	// Staleness is how long a record may go unread before it is a candidate.
	Staleness time.Duration
	// PopularityFloor exempts records read at least this many times. Zero
	// means 1; negative values are rejected.
	PopularityFloor int
	BatchSize       int
	Metrics         *otel.Metrics
	Tracer          trace.Tracer
	Now             func() time.Time
}

// Decayer archives records that are both stale and unpopular. Archival
// only flips a flag, so a pass can be repeated or interrupted at any point.
type Decayer struct {
	store     Archiver
	bus       *bus.Bus
	logger    *slog.Logger
	interval  time.Duration
	spec      string
	sched     cronlib.Schedule
	staleness time.Duration
	floor     int
	batch     int
	metrics   *otel.Metrics
	tracer    trace.Tracer
	now       func() time.Time

	passMu sync.Mutex
	wg     sync.WaitGroup
}

var decayParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

func NewDecayer(cfg DecayConfig) (*Decayer, error) {
	d := &Decayer{
		store:     cfg.Store,
		bus:       cfg.Bus,
		logger:    cfg.Logger,
		interval:  cfg.Interval,
		spec:      strings.TrimSpace(cfg.CronSpec),
		staleness: cfg.Staleness,
		floor:     cfg.PopularityFloor,
		batch:     cfg.BatchSize,
		metrics:   cfg.Metrics,
		tracer:    cfg.Tracer,
		now:       cfg.Now,
	}
	if d.store == nil {
		return nil, fmt.Errorf("decayer needs a store")
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	d.logger = d.logger.With("component", "memory_decay")
	if d.interval <= 0 {
		d.interval = time.Hour
	}
	if d.staleness <= 0 {
		d.staleness = 30 * 24 * time.Hour
	}
	if d.floor < 0 {
		return nil, fmt.Errorf("popularity floor must not be negative, got %d", d.floor)
	}
	if d.floor == 0 {
		d.floor = 1
	}
	if d.batch <= 0 {
		d.batch = 500
	}
	if d.metrics == nil {
		d.metrics = otel.NoopMetrics()
	}
	if d.tracer == nil {
		d.tracer = otel.NoopTracer()
	}
	if d.now == nil {
		d.now = time.Now
	}
	if d.spec != "" {
		sched, err := decayParser.Parse(d.spec)
		if err != nil {
			return nil, fmt.Errorf("parse decay_cron %q: %w", d.spec, err)
		}
		d.sched = sched
	}
	return d, nil
}

// Start runs passes in the background until ctx ends. In interval mode the
// first pass runs immediately; a cron schedule waits for its first slot.
func (d *Decayer) Start(ctx context.Context) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if d.sched != nil {
			d.logger.Info("memory decay scheduled", "cron", d.spec)
			d.runCron(ctx)
			return
		}
		d.logger.Info("memory decay scheduled", "interval", d.interval)
		d.tick(ctx)
		ticker := time.NewTicker(d.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				d.tick(ctx)
			}
		}
	}()
}

func (d *Decayer) runCron(ctx context.Context) {
	for {
		next := d.sched.Next(d.now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			d.tick(ctx)
		}
	}
}

// Wait blocks until the background loop exits.
func (d *Decayer) Wait() { d.wg.Wait() }

func (d *Decayer) tick(ctx context.Context) {
	if _, err := d.RunOnce(ctx); err != nil && ctx.Err() == nil {
		d.logger.Error("memory decay pass failed", "error", err)
	}
}

// RunOnce archives every current candidate, one batch at a time, and
// returns how many records it archived. Overlapping calls return 0 at once.
func (d *Decayer) RunOnce(ctx context.Context) (int64, error) {
	if !d.passMu.TryLock() {
		d.logger.Debug("memory decay pass already running")
		return 0, nil
	}
	defer d.passMu.Unlock()

	ctx, span := otel.StartSpan(ctx, d.tracer, "memory.decay",
		attribute.Int("crewdesk.memory.batch_size", d.batch),
		attribute.Int("crewdesk.memory.popularity_floor", d.floor),
	)
	defer span.End()

	cutoff := d.now().Add(-d.staleness)
	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := d.store.ArchiveBatch(ctx, cutoff, d.floor, d.batch)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return total, err
		}
		total += n
		if n < int64(d.batch) {
			break
		}
	}
	span.SetAttributes(attribute.Int64("crewdesk.memory.archived", total))

	if total > 0 {
		d.metrics.MemoryArchived.Add(ctx, total)
		if d.bus != nil {
			d.bus.Publish(bus.TopicMemoryArchived, bus.MemoryArchivedEvent{Archived: total})
		}
		d.logger.Info("memory decay pass archived records", "archived", total, "cutoff", cutoff)
	}
	return total, nil
}
