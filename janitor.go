package passgate

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// janitor runs the periodic maintenance sweeps: expired-token purges and
// rate-bucket eviction, each on its own interval. A sweep that errors is
// logged and retried on the next tick; the scheduler itself never stops on
// failure.
type janitor struct {
	engine *Engine
	cfg    JanitorConfig
	log    *zap.Logger

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

func newJanitor(e *Engine, cfg JanitorConfig, log *zap.Logger) *janitor {
	return &janitor{
		engine: e,
		cfg:    cfg,
		log:    log,
		done:   make(chan struct{}),
	}
}

func (j *janitor) start() {
	j.wg.Add(2)
	go j.loop(j.cfg.TokenSweepInterval, j.sweepTokens)
	go j.loop(j.cfg.BucketSweepInterval, j.sweepBuckets)
}

// loop runs task every interval on a single goroutine: a sweep that
// outlives the interval delays the next one, it never overlaps it, and the
// ticker drops the ticks that pile up in the meantime.
func (j *janitor) loop(interval time.Duration, task func()) {
	defer j.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			task()
		case <-j.done:
			return
		}
	}
}

func (j *janitor) sweepTokens() {
	purged, err := j.engine.PurgeExpiredTokens(context.Background())
	if err != nil {
		j.log.Error("token sweep failed", zap.Int("purged", purged), zap.Error(err))
		return
	}
	j.log.Debug("token sweep completed", zap.Int("purged", purged))
}

func (j *janitor) sweepBuckets() {
	evicted := j.engine.CleanupRateBuckets()
	j.log.Debug("rate bucket sweep completed", zap.Int("evicted", evicted))
}

// Stop halts both loops. A sweep already in flight finishes first.
func (j *janitor) Stop() {
	if j == nil {
		return
	}
	j.stopOnce.Do(func() {
		close(j.done)
		j.wg.Wait()
	})
}
