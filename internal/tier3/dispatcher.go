package tier3

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/thebtf/storyprompt/internal/lock"
)

// DefaultWorkers bounds concurrent analysis runs.
const DefaultWorkers = 2

// Dispatcher runs analyses in the background. Requests for the same
// (user, milestone) are collapsed in-process by singleflight and across
// processes by the advisory lock; the run ledger is the final guard.
type Dispatcher struct {
	runner  *Runner
	locker  lock.Locker
	sem     *semaphore.Weighted
	group   singleflight.Group
	wg      sync.WaitGroup
	base    context.Context
	cancel  context.CancelFunc
	lockTTL time.Duration
	mu      sync.Mutex
	closed  bool
}

// NewDispatcher creates a dispatcher with at most workers concurrent runs.
// A nil locker means in-process locking only.
func NewDispatcher(runner *Runner, locker lock.Locker, workers int) *Dispatcher {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if locker == nil {
		locker = lock.NewLocal()
	}
	base, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		runner:  runner,
		locker:  locker,
		sem:     semaphore.NewWeighted(int64(workers)),
		base:    base,
		cancel:  cancel,
		lockTTL: runner.opts.Timeout + time.Minute,
	}
}

// Dispatch starts an analysis and returns immediately. The caller's context
// contributes values only; its cancellation does not stop the run.
func (d *Dispatcher) Dispatch(ctx context.Context, userID string, milestone int) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		log.Warn().Str("user_id", userID).Int("milestone", milestone).Msg("Dispatcher closed, analysis dropped")
		return
	}
	d.wg.Add(1)
	d.mu.Unlock()

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(d.base, cancel)

	go func() {
		defer d.wg.Done()
		defer cancel()
		defer stop()

		key := lock.Key(userID, milestone)
		_, _, _ = d.group.Do(key, func() (any, error) {
			d.run(runCtx, key, userID, milestone)
			return nil, nil
		})
	}()
}

func (d *Dispatcher) run(ctx context.Context, key, userID string, milestone int) {
	logger := log.With().Str("user_id", userID).Int("milestone", milestone).Logger()
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Str("panic", fmt.Sprint(r)).Msg("Analysis panicked")
		}
	}()

	if err := d.sem.Acquire(ctx, 1); err != nil {
		logger.Warn().Err(err).Msg("Analysis cancelled while waiting for a worker")
		return
	}
	defer d.sem.Release(1)

	unlock, ok, err := d.locker.TryLock(ctx, key, d.lockTTL)
	switch {
	case err != nil:
		// The run ledger still guards against duplicates.
		logger.Warn().Err(err).Msg("Advisory lock unavailable")
		unlock = func() {}
	case !ok:
		logger.Debug().Msg("Analysis already running elsewhere")
		return
	}
	defer unlock()

	if _, err := d.runner.Run(ctx, userID, milestone); err != nil {
		if IsSkip(err) {
			logger.Debug().Msg("Analysis already claimed")
			return
		}
		logger.Error().Err(err).Msg("Analysis failed")
	}
}

// Wait blocks until every dispatched run has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Shutdown stops accepting work and waits for in-flight runs. When ctx ends
// first, running analyses are cancelled and Shutdown returns ctx.Err().
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return ctx.Err()
	}
}
