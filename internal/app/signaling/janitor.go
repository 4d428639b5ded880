package signaling

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/peercall/internal/directory"
	"github.com/dkeye/peercall/internal/domain"
)

// Janitor deletes sessions nobody answered within TTL. Answered sessions are left to the peers' hangup.
type Janitor struct {
	store    *Store
	ttl      time.Duration
	interval time.Duration
	now      func() time.Time

	// OnSweep, if set, receives the number of sessions removed by each sweep.
	OnSweep func(removed int)
}

func NewJanitor(store *Store, ttl, interval time.Duration) *Janitor {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Janitor{store: store, ttl: ttl, interval: interval, now: time.Now}
}

// Run sweeps every interval until ctx is done. It returns immediately when the TTL is not positive.
func (j *Janitor) Run(ctx context.Context) {
	if j.ttl <= 0 {
		return
	}
	logger := log.With().Str("module", "signaling.janitor").Dur("ttl", j.ttl).Logger()
	logger.Info().Msg("stale session janitor started")
	t := time.NewTicker(j.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := j.Sweep(ctx)
			if err != nil {
				logger.Error().Err(err).Msg("sweep")
				continue
			}
			if n > 0 {
				logger.Info().Int("removed", n).Msg("removed stale sessions")
			}
			if j.OnSweep != nil {
				j.OnSweep(n)
			}
		}
	}
}

// Sweep removes unanswered sessions older than the TTL and reports how many went.
func (j *Janitor) Sweep(ctx context.Context) (int, error) {
	docs, err := j.store.dir.List(ctx, directory.Collection(CallsCollection))
	if err != nil {
		return 0, err
	}
	cutoff := j.now().Add(-j.ttl)
	var stale []domain.SessionID
	for _, d := range docs {
		if d.CreateTime.After(cutoff) {
			continue
		}
		if _, answered := d.Fields[fieldAnswer]; answered {
			continue
		}
		stale = append(stale, domain.SessionID(d.Ref.ID))
	}
	if len(stale) == 0 {
		return 0, nil
	}
	if err := j.store.Delete(ctx, stale...); err != nil {
		return 0, err
	}
	return len(stale), nil
}
