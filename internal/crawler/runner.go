// Package crawler drives a source adapter on a periodic cycle and writes what it finds
// through the wallpaper repository.
package crawler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/user/wallbot/internal/metrics"
	"github.com/user/wallbot/internal/source"
	"github.com/user/wallbot/internal/storage"
	"github.com/user/wallbot/pkg/logger"
)

// Upserter is the repository write path used by the runner.
type Upserter interface {
	Upsert(ctx context.Context, w *storage.Wallpaper) (storage.UpsertResult, error)
}

// CycleReport summarizes one crawl cycle.
type CycleReport struct {
	CycleID   string
	Source    storage.Source
	Pages     int
	Inserted  int
	Updated   int
	Unchanged int
	Skipped   int
	Exhausted bool // the source reported its last page
	Duration  time.Duration
}

// Runner crawls one source.
type Runner struct {
	adapter  source.Adapter
	store    Upserter
	clock    clock.Clock
	interval time.Duration
	maxPages int
	metrics  *metrics.Metrics
	log      zerolog.Logger
}

// NewRunner creates a runner that waits interval between the end of one cycle and the
// start of the next.
func NewRunner(adapter source.Adapter, store Upserter, interval time.Duration) *Runner {
	return &Runner{
		adapter:  adapter,
		store:    store,
		clock:    clock.New(),
		interval: interval,
		metrics:  metrics.Default(),
		log:      logger.With("crawler").With().Str("source", string(adapter.Name())).Logger(),
	}
}

// WithClock replaces the clock used for scheduling and timing.
func (r *Runner) WithClock(c clock.Clock) *Runner {
	r.clock = c
	return r
}

// WithMaxPages overrides the adapter's page ceiling when n is positive.
func (r *Runner) WithMaxPages(n int) *Runner {
	r.maxPages = n
	return r
}

func (r *Runner) pageLimit() int {
	if r.maxPages > 0 {
		return r.maxPages
	}
	return r.adapter.MaxPages()
}

// RunCycle walks the listing from the adapter's start cursor until the source is exhausted
// or the page ceiling is hit. A page error or a repository failure ends the cycle; items
// the repository rejects as invalid are counted as skipped.
func (r *Runner) RunCycle(ctx context.Context) (CycleReport, error) {
	report := CycleReport{CycleID: uuid.NewString(), Source: r.adapter.Name()}
	log := r.log.With().Str("cycle_id", report.CycleID).Logger()
	start := r.clock.Now()
	src := string(report.Source)

	limit := r.pageLimit()
	log.Info().Int("max_pages", limit).Msg("Crawl cycle started")

	err := func() error {
		cursor := r.adapter.Start()
		for n := 1; limit <= 0 || n <= limit; n++ {
			if err := ctx.Err(); err != nil {
				return err
			}

			page, err := r.adapter.FetchPage(ctx, cursor)
			if err != nil {
				r.metrics.CrawlPages.WithLabelValues(src, "error").Inc()
				return fmt.Errorf("page %d: %w", n, err)
			}
			r.metrics.CrawlPages.WithLabelValues(src, "ok").Inc()
			report.Pages++
			report.Skipped += page.Skipped
			r.metrics.CrawlItems.WithLabelValues(src, "skipped").Add(float64(page.Skipped))

			for i := range page.Items {
				if err := r.storeItem(ctx, &page.Items[i], &report, log); err != nil {
					return err
				}
			}

			log.Debug().
				Int("page", n).
				Int("items", len(page.Items)).
				Int("skipped", page.Skipped).
				Msg("Crawled page")

			if page.Done {
				report.Exhausted = true
				return nil
			}
			cursor = page.Next
		}
		return nil
	}()

	report.Duration = r.clock.Since(start)
	r.metrics.CrawlCycleDuration.WithLabelValues(src).Observe(report.Duration.Seconds())
	r.metrics.CrawlCycles.WithLabelValues(src, cycleStatus(err)).Inc()

	event := log.Info()
	if err != nil {
		event = log.Error().Err(err)
	}
	event.
		Int("pages", report.Pages).
		Int("inserted", report.Inserted).
		Int("updated", report.Updated).
		Int("unchanged", report.Unchanged).
		Int("skipped", report.Skipped).
		Bool("exhausted", report.Exhausted).
		Dur("duration", report.Duration).
		Msg("Crawl cycle finished")

	return report, err
}

func (r *Runner) storeItem(ctx context.Context, w *storage.Wallpaper, report *CycleReport, log zerolog.Logger) error {
	res, err := r.store.Upsert(ctx, w)
	if errors.Is(err, storage.ErrInvalidWallpaper) {
		log.Debug().Err(err).Str("key", w.Key().String()).Msg("Skipping invalid item")
		report.Skipped++
		r.metrics.CrawlItems.WithLabelValues(string(report.Source), "skipped").Inc()
		return nil
	}
	if err != nil {
		return fmt.Errorf("store %s: %w", w.Key(), err)
	}

	switch res {
	case storage.UpsertInserted:
		report.Inserted++
	case storage.UpsertUpdated:
		report.Updated++
	default:
		report.Unchanged++
	}
	r.metrics.CrawlItems.WithLabelValues(string(report.Source), string(res)).Inc()
	return nil
}

// Run crawls in a loop until ctx is canceled. Failed cycles are logged and the next one
// starts fresh after the interval.
func (r *Runner) Run(ctx context.Context) error {
	r.log.Info().Dur("interval", r.interval).Msg("Crawler started")

	for {
		if _, err := r.RunCycle(ctx); err != nil && ctx.Err() != nil {
			break
		}

		select {
		case <-ctx.Done():
			r.log.Info().Msg("Crawler stopped")
			return nil
		case <-r.clock.After(r.interval):
		}
	}

	r.log.Info().Msg("Crawler stopped")
	return nil
}

func cycleStatus(err error) string {
	var te *source.TransientError
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	case source.IsFatal(err):
		return "fatal"
	case errors.As(err, &te):
		return "transient"
	default:
		return "error"
	}
}
