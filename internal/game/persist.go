package game

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"crash/internal/logger"
	"crash/internal/metrics"
)

// persister writes round snapshots in the background. Only the newest
// snapshot per round is kept, so a slow store delays writes but never
// blocks the round loop. A snapshot that cannot be written stays queued
// until it is written or replaced by a newer one.
type persister struct {
	store   RoundStore
	timeout time.Duration

	mu      sync.Mutex
	latest  map[string]RoundRecord
	order   []string
	wake    chan struct{}
	stopped chan struct{}
}

func newPersister(store RoundStore, timeout time.Duration) *persister {
	return &persister{
		store:   store,
		timeout: timeout,
		latest:  make(map[string]RoundRecord),
		wake:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
	}
}

func (p *persister) enqueue(rec RoundRecord) {
	p.mu.Lock()
	if _, queued := p.latest[rec.ID]; !queued {
		p.order = append(p.order, rec.ID)
	}
	p.latest[rec.ID] = rec
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
}

const snapshotRetry = 500 * time.Millisecond

// requeue puts back a snapshot that failed to save, unless the round
// already has a newer one waiting.
func (p *persister) requeue(rec RoundRecord) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, newer := p.latest[rec.ID]; newer {
		return
	}
	p.latest[rec.ID] = rec
	p.order = append([]string{rec.ID}, p.order...)
}

func (p *persister) pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.order)
}

func (p *persister) next() (RoundRecord, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.order) == 0 {
		return RoundRecord{}, false
	}
	id := p.order[0]
	p.order = p.order[1:]
	rec := p.latest[id]
	delete(p.latest, id)
	return rec, true
}

// run drains snapshots until ctx is done, then makes one last bounded flush.
func (p *persister) run(ctx context.Context) {
	defer close(p.stopped)
	var retry <-chan time.Time
	for {
		select {
		case <-p.wake:
		case <-retry:
		case <-ctx.Done():
			fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*p.timeout)
			if !p.flush(fctx) {
				logger.Error(ctx).Int("pending", p.pending()).Msg("[DB] round snapshots not saved at shutdown")
			}
			cancel()
			return
		}
		retry = nil
		if !p.flush(ctx) {
			retry = time.After(snapshotRetry)
		}
	}
}

// flush saves queued snapshots in order. It stops at the first failure and
// reports false, leaving that snapshot queued.
func (p *persister) flush(ctx context.Context) bool {
	for {
		rec, ok := p.next()
		if !ok {
			return true
		}
		if err := p.save(ctx, rec); err != nil {
			p.requeue(rec)
			metrics.DependencyFailures.WithLabelValues("store").Inc()
			logger.Error(ctx).Err(err).
				Str("round_id", rec.ID).
				Str("phase", string(rec.Phase)).
				Msg("[DB] round snapshot not saved, retrying")
			return false
		}
	}
}

func (p *persister) save(ctx context.Context, rec RoundRecord) error {
	op := func() error {
		sctx, cancel := context.WithTimeout(ctx, p.timeout)
		defer cancel()
		return p.store.Save(sctx, rec)
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = time.Second
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, 5), ctx))
}

func (p *persister) wait() { <-p.stopped }
