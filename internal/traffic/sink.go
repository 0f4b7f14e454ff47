package traffic

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/cloakroute/edge/internal/circuitbreaker"
	"github.com/cloakroute/edge/internal/config"
	"github.com/cloakroute/edge/internal/metrics"
)

const writeTimeout = 10 * time.Second

// envelope is one queued item, carrying either a record or a point.
type envelope struct {
	record *Record
	point  *MetricPoint
}

// Sink is the bounded queue plus the worker pool draining it in batches.
// Enqueue never blocks; when the queue is full the item is dropped and
// counted.
type Sink struct {
	store      Store
	breaker    *circuitbreaker.CircuitBreaker
	metrics    *metrics.Metrics
	logger     zerolog.Logger
	queue      chan envelope
	workers    int
	batchSize  int
	flushEvery time.Duration

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewSink sizes the queue and pool from cfg. Call Start to spin up the
// workers and Drain on shutdown.
func NewSink(store Store, breaker *circuitbreaker.CircuitBreaker, cfg config.TrafficConfig, m *metrics.Metrics, logger zerolog.Logger) *Sink {
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 200
	}
	flush := time.Duration(cfg.FlushIntervalMs) * time.Millisecond
	if flush <= 0 {
		flush = time.Second
	}
	return &Sink{
		store:      store,
		breaker:    breaker,
		metrics:    m,
		logger:     logger,
		queue:      make(chan envelope, cfg.QueueSize),
		workers:    cfg.Workers,
		batchSize:  batch,
		flushEvery: flush,
		stop:       make(chan struct{}),
	}
}

// Start launches the worker pool.
func (s *Sink) Start() {
	s.wg.Add(s.workers)
	for i := 0; i < s.workers; i++ {
		go s.worker()
	}
	s.logger.Info().Int("workers", s.workers).Int("queue", cap(s.queue)).Msg("traffic sink started")
}

// Enqueue offers a record to the queue, stamping id and timestamp when
// absent. Reports whether the record was accepted.
func (s *Sink) Enqueue(rec *Record) bool {
	rec.Stamp()
	return s.offer(envelope{record: rec})
}

// EnqueueMetric offers a metric point to the queue.
func (s *Sink) EnqueueMetric(pt *MetricPoint) bool {
	return s.offer(envelope{point: pt})
}

func (s *Sink) offer(env envelope) bool {
	select {
	case s.queue <- env:
		s.metrics.SinkEnqueued.Inc()
		s.metrics.SinkQueueDepth.Inc()
		return true
	default:
		s.metrics.SinkDropped.Inc()
		return false
	}
}

// Drain tells the workers to finish whatever is queued and waits up to
// grace for them to exit. Items arriving after the grace window are lost.
func (s *Sink) Drain(grace time.Duration) {
	s.stopOnce.Do(func() { close(s.stop) })

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info().Msg("traffic sink drained")
	case <-time.After(grace):
		s.logger.Warn().Int("pending", len(s.queue)).Msg("traffic sink drain timed out")
	}
}

func (s *Sink) worker() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.flushEvery)
	defer ticker.Stop()

	recs := make([]*Record, 0, s.batchSize)
	pts := make([]*MetricPoint, 0, s.batchSize)

	flush := func() {
		if len(recs) > 0 {
			batch := recs
			s.write("traffic_records", func(ctx context.Context) error {
				return s.store.InsertRecords(ctx, batch)
			})
			recs = make([]*Record, 0, s.batchSize)
		}
		if len(pts) > 0 {
			batch := pts
			s.write("metric_points", func(ctx context.Context) error {
				return s.store.InsertPoints(ctx, batch)
			})
			pts = make([]*MetricPoint, 0, s.batchSize)
		}
	}

	collect := func(env envelope) {
		s.metrics.SinkQueueDepth.Dec()
		if env.record != nil {
			recs = append(recs, env.record)
		}
		if env.point != nil {
			pts = append(pts, env.point)
		}
		if len(recs) >= s.batchSize || len(pts) >= s.batchSize {
			flush()
		}
	}

	for {
		select {
		case <-s.stop:
			// Consume what is already queued, then flush and exit.
			for {
				select {
				case env := <-s.queue:
					collect(env)
				default:
					flush()
					return
				}
			}
		case env := <-s.queue:
			collect(env)
		case <-ticker.C:
			flush()
		}
	}
}

// write persists one batch with a short capped retry. An open breaker stops
// the retries immediately; the batch is then counted as failed and dropped.
func (s *Sink) write(kind string, op func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	err := backoff.Retry(func() error {
		_, execErr := s.breaker.ExecuteContext(ctx, func(ctx context.Context) (interface{}, error) {
			return nil, op(ctx)
		})
		if errors.Is(execErr, circuitbreaker.ErrCircuitOpen) || errors.Is(execErr, circuitbreaker.ErrTooManyRequests) {
			return backoff.Permanent(execErr)
		}
		return execErr
	}, policy)
	if err != nil {
		s.metrics.SinkWriteFails.Inc()
		s.logger.Error().Err(err).Str("batch", kind).Msg("traffic batch write failed")
	}
}
