package notifier

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/user/wallbot/internal/metrics"
	"github.com/user/wallbot/internal/storage"
	"github.com/user/wallbot/pkg/logger"
)

const persistTimeout = 10 * time.Second

// ContentStore is the read side of the wallpaper repository plus the file id cache.
type ContentStore interface {
	RandomUnseen(ctx context.Context, chatID int64, f storage.Filter) (*storage.Wallpaper, error)
	SetFileID(ctx context.Context, key storage.DedupKey, sentURL, fileID string) error
}

// SubscriberStore is the subscription registry and delivery ledger.
type SubscriberStore interface {
	ActiveSubscribers(ctx context.Context) ([]storage.Subscriber, error)
	RecordDelivery(ctx context.Context, chatID int64, key storage.DedupKey, at time.Time) error
	Unsubscribe(ctx context.Context, chatID int64) error
}

// Config controls the push schedule.
type Config struct {
	Interval     time.Duration
	Workers      int
	SendTimeout  time.Duration
	MaxFileSize  int64
	MaxDimension int
}

// Outcome is the result of one subscriber's delivery attempt within a tick.
type Outcome string

const (
	OutcomeDelivered     Outcome = "delivered"
	OutcomeEmpty         Outcome = "empty"
	OutcomeTransient     Outcome = "transient"
	OutcomeRecipientGone Outcome = "recipient_gone"
	OutcomeError         Outcome = "error"
	OutcomeCanceled      Outcome = "canceled"
)

// TickReport summarizes one push tick.
type TickReport struct {
	TickID      string
	Subscribers int
	Outcomes    map[Outcome]int
	Duration    time.Duration
}

// Scheduler pushes one unseen wallpaper to every active subscriber per tick.
type Scheduler struct {
	content ContentStore
	subs    SubscriberStore
	sender  Sender
	cfg     Config
	clock   clock.Clock
	metrics *metrics.Metrics
	log     zerolog.Logger
}

// NewScheduler creates a push scheduler.
func NewScheduler(content ContentStore, subs SubscriberStore, sender Sender, cfg Config) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = 3
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 30 * time.Second
	}
	return &Scheduler{
		content: content,
		subs:    subs,
		sender:  sender,
		cfg:     cfg,
		clock:   clock.New(),
		metrics: metrics.Default(),
		log:     logger.With("push"),
	}
}

// WithClock replaces the clock that drives ticks and stamps deliveries.
func (s *Scheduler) WithClock(c clock.Clock) *Scheduler {
	s.clock = c
	return s
}

// Filter returns the selection filter for a safety preference.
func (s *Scheduler) Filter(pref storage.SafetyPref) storage.Filter {
	return storage.Filter{
		Safety:    pref.Allowed(),
		MaxSize:   s.cfg.MaxFileSize,
		MaxWidth:  s.cfg.MaxDimension,
		MaxHeight: s.cfg.MaxDimension,
	}
}

// Run ticks immediately and then every interval until ctx is canceled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.Info().Dur("interval", s.cfg.Interval).Int("workers", s.cfg.Workers).Msg("Push scheduler started")

	ticker := s.clock.Ticker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := s.Tick(ctx); err != nil && ctx.Err() == nil {
			s.log.Error().Err(err).Msg("Push tick failed")
		}

		select {
		case <-ctx.Done():
			s.log.Info().Msg("Push scheduler stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Tick delivers at most one wallpaper to each active subscriber. Subscribers are shuffled
// and served by a bounded worker pool; one subscriber's failure never affects another.
// The returned error is only set when the subscriber list could not be loaded.
func (s *Scheduler) Tick(ctx context.Context) (TickReport, error) {
	report := TickReport{TickID: uuid.NewString(), Outcomes: map[Outcome]int{}}
	log := s.log.With().Str("tick_id", report.TickID).Logger()
	start := s.clock.Now()
	defer func() {
		report.Duration = s.clock.Since(start)
		s.metrics.PushTickDuration.Observe(report.Duration.Seconds())
	}()

	subs, err := s.subs.ActiveSubscribers(ctx)
	if err != nil {
		return report, err
	}
	report.Subscribers = len(subs)
	s.metrics.ActiveSubscribers.Set(float64(len(subs)))
	if len(subs) == 0 {
		log.Debug().Msg("No active subscribers")
		return report, nil
	}

	rand.Shuffle(len(subs), func(i, j int) { subs[i], subs[j] = subs[j], subs[i] })

	jobs := make(chan storage.Subscriber)
	results := make(chan Outcome, len(subs))

	var wg sync.WaitGroup
	for i := 0; i < min(s.cfg.Workers, len(subs)); i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for sub := range jobs {
				results <- s.deliver(ctx, log, sub)
			}
		}()
	}

	go func() {
		for _, sub := range subs {
			jobs <- sub
		}
		close(jobs)
		wg.Wait()
		close(results)
	}()

	for o := range results {
		report.Outcomes[o]++
		s.metrics.PushDeliveries.WithLabelValues(string(o)).Inc()
	}

	log.Info().
		Int("subscribers", report.Subscribers).
		Int("delivered", report.Outcomes[OutcomeDelivered]).
		Int("empty", report.Outcomes[OutcomeEmpty]).
		Int("failed", report.Outcomes[OutcomeTransient]+report.Outcomes[OutcomeError]).
		Int("unsubscribed", report.Outcomes[OutcomeRecipientGone]).
		Msg("Push tick finished")
	return report, nil
}

func (s *Scheduler) deliver(ctx context.Context, log zerolog.Logger, sub storage.Subscriber) Outcome {
	if ctx.Err() != nil {
		return OutcomeCanceled
	}
	log = log.With().Int64("chat_id", sub.ChatID).Logger()

	w, err := s.content.RandomUnseen(ctx, sub.ChatID, s.Filter(sub.SafetyPref))
	if errors.Is(err, storage.ErrNotFound) {
		log.Debug().Msg("Nothing left to send")
		return OutcomeEmpty
	}
	if err != nil {
		if ctx.Err() != nil {
			return OutcomeCanceled
		}
		log.Error().Err(err).Msg("Failed to select wallpaper")
		return OutcomeError
	}
	log = log.With().Str("key", w.Key().String()).Logger()

	sendCtx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
	receipt, err := s.sender.Send(sendCtx, sub.ChatID, w)
	cancel()

	// the send already happened, so the bookkeeping must survive a shutdown
	persistCtx, cancelPersist := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancelPersist()

	if err != nil {
		if IsRecipientGone(err) {
			log.Warn().Err(err).Msg("Recipient gone, unsubscribing")
			if err := s.subs.Unsubscribe(persistCtx, sub.ChatID); err != nil {
				log.Error().Err(err).Msg("Failed to unsubscribe")
			}
			return OutcomeRecipientGone
		}
		log.Warn().Err(err).Msg("Delivery failed")
		return OutcomeTransient
	}

	if err := s.subs.RecordDelivery(persistCtx, sub.ChatID, w.Key(), s.clock.Now()); err != nil {
		log.Error().Err(err).Msg("Failed to record delivery")
		return OutcomeError
	}
	if receipt.FileID != "" && receipt.FileID != w.FileID {
		if err := s.content.SetFileID(persistCtx, w.Key(), w.URL, receipt.FileID); err != nil {
			log.Warn().Err(err).Msg("Failed to cache file id")
		}
	}

	log.Debug().Msg("Wallpaper delivered")
	return OutcomeDelivered
}
