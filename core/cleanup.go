package core

import (
	"context"
	"log"
	"sort"
	"time"

	"github.com/flowgraph/flowcore/core/store"
)

// Cleanup defaults.
const (
	DefaultCleanupMaxAge        = 24 * time.Hour
	DefaultCleanupInterval      = time.Hour
	DefaultCleanupMaxExecutions = 50_000
)

// Cleaner periodically reaps terminal and stale executions: anything not
// Running or Paused whose reference time (completion time, or creation time
// if never completed) is older than MaxAge, plus the oldest excess over
// MaxExecutions regardless of age. Reaped executions are disposed through
// the service; failures are logged and never abort a tick.
type Cleaner struct {
	svc           *Service
	maxAge        time.Duration
	interval      time.Duration
	maxExecutions int
	logf          func(format string, args ...any)
	now           func() time.Time

	stop chan struct{}
	done chan struct{}
}

// CleanerOption configures a Cleaner.
type CleanerOption func(*Cleaner)

// WithCleanupMaxAge overrides how old a non-active execution may get.
func WithCleanupMaxAge(d time.Duration) CleanerOption {
	return func(c *Cleaner) {
		if d > 0 {
			c.maxAge = d
		}
	}
}

// WithCleanupInterval overrides the tick interval.
func WithCleanupInterval(d time.Duration) CleanerOption {
	return func(c *Cleaner) {
		if d > 0 {
			c.interval = d
		}
	}
}

// WithCleanupMaxExecutions overrides the total execution cap.
func WithCleanupMaxExecutions(n int) CleanerOption {
	return func(c *Cleaner) {
		if n > 0 {
			c.maxExecutions = n
		}
	}
}

// WithCleanupLogf overrides the cleaner's logger.
func WithCleanupLogf(logf func(format string, args ...any)) CleanerOption {
	return func(c *Cleaner) {
		if logf != nil {
			c.logf = logf
		}
	}
}

// WithCleanupNow overrides the clock (tests).
func WithCleanupNow(now func() time.Time) CleanerOption {
	return func(c *Cleaner) {
		if now != nil {
			c.now = now
		}
	}
}

// NewCleaner creates a cleaner over the given service.
func NewCleaner(svc *Service, opts ...CleanerOption) *Cleaner {
	c := &Cleaner{
		svc:           svc,
		maxAge:        DefaultCleanupMaxAge,
		interval:      DefaultCleanupInterval,
		maxExecutions: DefaultCleanupMaxExecutions,
		logf:          log.Printf,
		now:           time.Now,
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start runs the reaper loop on its own goroutine: one tick immediately,
// then one per interval until Stop.
func (c *Cleaner) Start() {
	go func() {
		defer close(c.done)

		if _, err := c.RunOnce(context.Background()); err != nil {
			c.logf("flowcore: cleanup tick failed: %v", err)
		}

		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		for {
			select {
			case <-c.stop:
				return
			case <-ticker.C:
				if _, err := c.RunOnce(context.Background()); err != nil {
					c.logf("flowcore: cleanup tick failed: %v", err)
				}
			}
		}
	}()
}

// Stop halts the reaper loop and waits for the in-flight tick to finish.
func (c *Cleaner) Stop() {
	close(c.stop)
	<-c.done
}

// RunOnce performs one cleanup tick and returns how many executions it
// disposed. Individual dispose failures are logged, not returned.
func (c *Cleaner) RunOnce(ctx context.Context) (int, error) {
	records, err := c.svc.List(ctx, 0)
	if err != nil {
		return 0, err
	}

	// Newest first by reference time, so the excess over the cap lands on
	// the oldest entries.
	sort.Slice(records, func(i, j int) bool {
		return records[i].ReferenceTime().After(records[j].ReferenceTime())
	})

	now := c.now()
	marked := make(map[string]bool)
	var order []string

	mark := func(rec store.Record) {
		if rec.Status.Active() || marked[rec.ID] {
			return
		}
		marked[rec.ID] = true
		order = append(order, rec.ID)
	}

	for _, rec := range records {
		if now.Sub(rec.ReferenceTime()) > c.maxAge {
			mark(rec)
		}
	}

	if excess := len(records) - c.maxExecutions; excess > 0 {
		for i := len(records) - 1; i >= 0 && excess > 0; i-- {
			if marked[records[i].ID] {
				excess--
				continue
			}
			if records[i].Status.Active() {
				continue
			}
			mark(records[i])
			excess--
		}
	}

	reaped := 0
	for _, id := range order {
		if err := c.svc.Dispose(ctx, id); err != nil {
			c.logf("flowcore: failed to dispose execution %s: %v", id, err)
			continue
		}
		c.svc.cfg.metrics.execReaped()
		reaped++
	}
	return reaped, nil
}
