package passgate

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

type notifyKind uint8

const (
	notifyVerification notifyKind = iota
	notifyOTP
)

// notifyDispatcher delivers notifications on a background goroutine so the
// calling flow never waits on the mail transport. Delivery errors are logged
// and counted; they are invisible to the flow that queued the send.
type notifyDispatcher struct {
	cfg      NotifyConfig
	notifier Notifier
	log      *zap.Logger
	metrics  *Metrics

	ch        chan notifyJob
	done      chan struct{}
	wg        sync.WaitGroup
	dropped   atomic.Uint64
	closed    atomic.Bool
	closeOnce sync.Once
}

type notifyJob struct {
	kind notifyKind
	n    Notification
}

func newNotifyDispatcher(cfg NotifyConfig, notifier Notifier, log *zap.Logger, metrics *Metrics) *notifyDispatcher {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1
	}

	d := &notifyDispatcher{
		cfg:      cfg,
		notifier: notifier,
		log:      log,
		metrics:  metrics,
		ch:       make(chan notifyJob, cfg.BufferSize),
		done:     make(chan struct{}),
	}

	d.wg.Add(1)
	go d.run()

	return d
}

func (d *notifyDispatcher) run() {
	defer d.wg.Done()

	for {
		select {
		case job := <-d.ch:
			d.deliver(job)
		case <-d.done:
			for {
				select {
				case job := <-d.ch:
					d.deliver(job)
				default:
					return
				}
			}
		}
	}
}

func (d *notifyDispatcher) deliver(job notifyJob) {
	ctx := context.Background()

	var err error
	switch job.kind {
	case notifyVerification:
		err = d.notifier.SendVerification(ctx, job.n)
	case notifyOTP:
		err = d.notifier.SendOTP(ctx, job.n)
	}
	if err != nil {
		d.metrics.inc(MetricNotifyFailure)
		d.log.Error("notification delivery failed",
			zap.String("email", job.n.Email),
			zap.Error(err))
	}
}

// enqueue hands a job to the worker. With DropIfFull the send is discarded
// (and counted) when the buffer is full; otherwise enqueue blocks until
// there is room, the context ends, or the dispatcher closes.
func (d *notifyDispatcher) enqueue(ctx context.Context, job notifyJob) {
	if d == nil || d.closed.Load() {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	if d.cfg.DropIfFull {
		select {
		case d.ch <- job:
		case <-d.done:
		default:
			d.dropped.Add(1)
		}
		return
	}

	select {
	case d.ch <- job:
	case <-ctx.Done():
	case <-d.done:
	}
}

// Close drains queued jobs and stops the worker.
func (d *notifyDispatcher) Close() {
	if d == nil {
		return
	}
	d.closeOnce.Do(func() {
		d.closed.Store(true)
		close(d.done)
		d.wg.Wait()
	})
}

// Dropped reports how many sends were discarded because the buffer was full.
func (d *notifyDispatcher) Dropped() uint64 {
	if d == nil {
		return 0
	}
	return d.dropped.Load()
}
