package feed

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"civicsense/internal/events"
	"civicsense/internal/repo"
)

const (
	defaultRelayInterval = 2 * time.Second
	defaultRelayBatch    = 200
)

type RelayConfig struct {
	Interval time.Duration
	Batch    int
	Logger   *slog.Logger
}

// Relay tails the change log and publishes each committed event to the hub
// in id order, which is commit order.
type Relay struct {
	repo     repo.Repo
	hub      *Hub
	interval time.Duration
	batch    int
	logger   *slog.Logger
	kick     chan struct{}

	mu     sync.Mutex
	cursor int64
}

func NewRelay(r repo.Repo, hub *Hub, cfg RelayConfig) *Relay {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultRelayInterval
	}
	if cfg.Batch <= 0 {
		cfg.Batch = defaultRelayBatch
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Relay{
		repo:     r,
		hub:      hub,
		interval: cfg.Interval,
		batch:    cfg.Batch,
		logger:   cfg.Logger,
		kick:     make(chan struct{}, 1),
	}
}

// SkipToLatest moves the cursor past every stored event so only changes
// committed from now on are published.
func (r *Relay) SkipToLatest(ctx context.Context) error {
	latest, err := r.repo.LatestEventID(ctx)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.cursor = latest
	r.mu.Unlock()
	return nil
}

func (r *Relay) Cursor() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cursor
}

// Kick asks the running relay to sync now. It never blocks.
func (r *Relay) Kick() {
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

// Sync publishes every event after the cursor and returns how many it sent.
func (r *Relay) Sync(ctx context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sent := 0
	for {
		batch, err := r.repo.EventsAfter(ctx, r.batch, r.cursor)
		if err != nil {
			return sent, err
		}
		for _, evt := range batch {
			ch, err := events.Decode(evt)
			if err != nil {
				r.logger.Error("feed relay: skipping undecodable event", "id", evt.ID, "err", err)
			} else {
				r.hub.Publish(ch)
				sent++
			}
			r.cursor = evt.ID
		}
		if len(batch) < r.batch {
			return sent, nil
		}
	}
}

// Run syncs on every kick and tick until ctx is done. Failed syncs are
// retried with exponential backoff.
func (r *Relay) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		r.syncWithRetry(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-r.kick:
		}
	}
}

func (r *Relay) syncWithRetry(ctx context.Context) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = r.interval
	b.MaxElapsedTime = 5 * r.interval
	op := func() error {
		_, err := r.Sync(ctx)
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		r.logger.Warn("feed relay: sync failed", "err", err, "retry_in", wait)
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil && ctx.Err() == nil {
		r.logger.Error("feed relay: giving up until next tick", "err", err)
	}
}
