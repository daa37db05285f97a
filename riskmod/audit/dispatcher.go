package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/magickw/linkdao-riskmod/riskmod/countstore"
	"github.com/magickw/linkdao-riskmod/riskmod/trust"

	"github.com/cenkalti/backoff/v4"
)

// The outbound queue was full and items were dropped. Callers should log and
// move on; emission never blocks a decision.
var ErrQueueFull = errors.New("audit queue full")

var ErrDispatcherClosed = errors.New("audit dispatcher closed")

type DispatcherConfig struct {
	QueueSize int
	Workers   int
	// first retry delay
	InitialInterval time.Duration
	// give up on an item after retrying this long
	MaxElapsed time.Duration
	Logger     *slog.Logger
}

func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		QueueSize:       10_000,
		Workers:         4,
		InitialInterval: 100 * time.Millisecond,
		MaxElapsed:      2 * time.Minute,
	}
}

// Delivers outbound decision side effects in the background, with retries.
type Dispatcher struct {
	// a MultiSink is split into its members, each retried on its own
	sinks     []Sink
	publisher ReputationPublisher
	counts    countstore.CountStore
	logger    *slog.Logger

	initialInterval time.Duration
	maxElapsed      time.Duration

	queue  chan Outbound
	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup

	// cancelled if Close runs out of time, aborting in-progress retries
	ctx    context.Context
	cancel context.CancelFunc
}

// NewDispatcher starts the worker goroutines. Any of sink, publisher or counts
// may be nil, in which case items of the matching kind are discarded.
func NewDispatcher(sink Sink, publisher ReputationPublisher, counts countstore.CountStore, config DispatcherConfig) *Dispatcher {
	def := DefaultDispatcherConfig()
	if config.QueueSize <= 0 {
		config.QueueSize = def.QueueSize
	}
	if config.Workers <= 0 {
		config.Workers = def.Workers
	}
	if config.InitialInterval <= 0 {
		config.InitialInterval = def.InitialInterval
	}
	if config.MaxElapsed <= 0 {
		config.MaxElapsed = def.MaxElapsed
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		sinks:           splitSinks(sink),
		publisher:       publisher,
		counts:          counts,
		logger:          logger.With("component", "audit"),
		initialInterval: config.InitialInterval,
		maxElapsed:      config.MaxElapsed,
		queue:           make(chan Outbound, config.QueueSize),
		ctx:             ctx,
		cancel:          cancel,
	}
	for i := 0; i < config.Workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

// Emit enqueues items without blocking. If the queue is full, the remaining
// items are dropped and ErrQueueFull is returned.
func (d *Dispatcher) Emit(items []Outbound) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrDispatcherClosed
	}
	dropped := 0
	for _, it := range items {
		select {
		case d.queue <- it:
			queueDepth.Inc()
		default:
			dropped++
			outboundDropped.WithLabelValues(it.Kind()).Inc()
			d.logger.Error("dropping outbound item, queue full", "kind", it.Kind())
		}
	}
	if dropped > 0 {
		return fmt.Errorf("%w: dropped %d of %d items", ErrQueueFull, dropped, len(items))
	}
	return nil
}

// Pending is the number of queued items not yet picked up by a worker.
func (d *Dispatcher) Pending() int {
	return len(d.queue)
}

// Close stops accepting items and waits for the queue to drain. If ctx ends
// first, in-progress retries are abandoned.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
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
		return fmt.Errorf("draining audit queue: %w", ctx.Err())
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for it := range d.queue {
		queueDepth.Dec()
		d.deliver(it)
	}
}

func (d *Dispatcher) deliver(it Outbound) {
	switch v := it.(type) {
	case AuditAppend:
		if v.Record == nil {
			return
		}
		for _, sink := range d.sinks {
			d.retry(it.Kind(), func() error { return sink.Append(d.ctx, v.Record) })
		}
	case ReputationEvent:
		if d.publisher == nil {
			return
		}
		d.retry(it.Kind(), func() error { return d.publisher.Publish(d.ctx, v) })
	case ViolationRecorded:
		if d.counts == nil || v.SubmitterID == "" {
			return
		}
		d.retry(it.Kind(), func() error { return d.counts.Increment(d.ctx, trust.ViolationCounter, v.SubmitterID) })
	default:
		d.logger.Error("unknown outbound item", "kind", it.Kind())
	}
}

func (d *Dispatcher) retry(kind string, op func() error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = d.initialInterval
	bo.MaxElapsedTime = d.maxElapsed
	attempts := 0
	err := backoff.Retry(func() error {
		attempts++
		return op()
	}, backoff.WithContext(bo, d.ctx))
	if err != nil {
		outboundFailed.WithLabelValues(kind).Inc()
		d.logger.Error("outbound delivery failed", "kind", kind, "attempts", attempts, "err", err)
		return
	}
	outboundDelivered.WithLabelValues(kind).Inc()
	if attempts > 1 {
		d.logger.Warn("outbound delivered after retries", "kind", kind, "attempts", attempts)
	}
}

// flattens nested MultiSinks, dropping nils
func splitSinks(sink Sink) []Sink {
	switch v := sink.(type) {
	case nil:
		return nil
	case MultiSink:
		var out []Sink
		for _, s := range v {
			out = append(out, splitSinks(s)...)
		}
		return out
	}
	return []Sink{sink}
}
