// Package deliver posts normalized records to the storage endpoint from a fixed
// set of worker goroutines.
package deliver

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kortschak/utter"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/exp/slog"

	"github.com/probe-lab/flowarchive/pkg/prom"
	"github.com/probe-lab/flowarchive/pkg/queue"
	"github.com/probe-lab/flowarchive/pkg/record"
)

// DefaultWorkers is the number of concurrent delivery workers.
const DefaultWorkers = 10

type Normalizer interface {
	Normalize(record.Value) record.Value
}

type Poster interface {
	Post(ctx context.Context, doc []byte) (*Response, error)
}

type PoolConfig struct {
	Queue      *queue.Queue[record.Value]
	Normalizer Normalizer
	Poster     Poster
	Workers    int    // defaults to DefaultWorkers
	Stats      *Stats // optional
	DumpFrames bool   // log each outgoing document
}

// Pool owns the delivery workers. Each record taken from the queue is handled
// by exactly one worker and marked done whatever the outcome.
type Pool struct {
	queue      *queue.Queue[record.Value]
	normalizer Normalizer
	poster     Poster
	workers    int
	stats      *Stats
	dumpFrames bool
	logger     *slog.Logger
	tracer     trace.Tracer

	startOnce sync.Once
	wg        sync.WaitGroup
	processed atomic.Int64

	attempts  prom.Counter
	delivered prom.Counter
	rejected  prom.Counter
	failed    prom.Counter
	busy      prom.Gauge
	duration  prom.Histogram
}

func NewPool(cfg *PoolConfig) (*Pool, error) {
	if cfg.Queue == nil || cfg.Normalizer == nil || cfg.Poster == nil {
		return nil, fmt.Errorf("queue, normalizer and poster are required")
	}

	p := &Pool{
		queue:      cfg.Queue,
		normalizer: cfg.Normalizer,
		poster:     cfg.Poster,
		workers:    cfg.Workers,
		stats:      cfg.Stats,
		dumpFrames: cfg.DumpFrames,
		logger:     slog.Default().With("component", "deliver"),
		tracer:     otel.Tracer("github.com/probe-lab/flowarchive/pkg/deliver"),
	}
	if p.workers <= 0 {
		p.workers = DefaultWorkers
	}
	if p.stats == nil {
		p.stats = NewStats()
	}

	var err error
	p.attempts, err = prom.NewPrometheusCounter("deliver", "attempts_total", "The total number of delivery attempts.", nil)
	if err != nil {
		return nil, fmt.Errorf("attempts counter: %w", err)
	}
	p.delivered, err = prom.NewPrometheusCounter("deliver", "delivered_total", "The total number of records accepted with a 2xx status.", nil)
	if err != nil {
		return nil, fmt.Errorf("delivered counter: %w", err)
	}
	p.rejected, err = prom.NewPrometheusCounter("deliver", "rejected_total", "The total number of records answered with a non-2xx status.", nil)
	if err != nil {
		return nil, fmt.Errorf("rejected counter: %w", err)
	}
	p.failed, err = prom.NewPrometheusCounter("deliver", "failed_total", "The total number of records that could not be sent.", nil)
	if err != nil {
		return nil, fmt.Errorf("failed counter: %w", err)
	}
	p.busy, err = prom.NewPrometheusGauge("deliver", "busy_workers", "The number of workers currently delivering a record.", nil)
	if err != nil {
		return nil, fmt.Errorf("busy gauge: %w", err)
	}
	p.duration, err = prom.NewPrometheusHistogram("deliver", "duration_seconds", "The time taken to post a record.", nil)
	if err != nil {
		return nil, fmt.Errorf("duration histogram: %w", err)
	}

	return p, nil
}

// Start launches the workers. Only the first call has any effect. Workers run
// until ctx is canceled.
func (p *Pool) Start(ctx context.Context) {
	p.startOnce.Do(func() {
		p.logger.Debug("starting workers", "workers", p.workers)
		for i := 0; i < p.workers; i++ {
			p.wg.Add(1)
			go p.worker(ctx, i)
		}
	})
}

// Wait blocks until every worker has exited.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Processed returns the number of records the workers have finished with.
func (p *Pool) Processed() int64 {
	return p.processed.Load()
}

func (p *Pool) Stats() *Stats {
	return p.stats
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		v, err := p.queue.Get(ctx)
		if err != nil {
			return
		}
		p.busy.Inc()
		p.deliver(id, v)
		p.busy.Dec()
		p.processed.Add(1)
		p.queue.Done()
	}
}

func (p *Pool) deliver(worker int, v record.Value) {
	logger := p.logger.With("worker", worker)
	defer func() {
		if r := recover(); r != nil {
			p.failed.Inc()
			logger.Error("record processing panicked", fmt.Errorf("%v", r))
		}
	}()

	// in-flight posts are never canceled; shutdown waits for them
	ctx, span := p.tracer.Start(context.Background(), "deliver")
	defer span.End()

	doc := p.normalizer.Normalize(v)
	if p.dumpFrames {
		logger.Info("outgoing document", "frame", utter.Sdump(doc.Interface()))
	}

	data, err := doc.MarshalJSON()
	if err != nil {
		p.failed.Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "marshal")
		logger.Error("failed to marshal record", err)
		return
	}
	span.SetAttributes(attribute.Int("flowarchive.document_size", len(data)))

	p.attempts.Inc()
	start := time.Now()
	resp, err := p.poster.Post(ctx, data)
	elapsed := time.Since(start)
	p.duration.Observe(elapsed.Seconds())
	p.stats.observe(resp, err, elapsed)

	if err != nil {
		p.failed.Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "post")
		logger.Error("failed to deliver record", err)
		return
	}

	span.SetAttributes(
		attribute.Int("http.status_code", resp.StatusCode),
		attribute.String("flowarchive.opaque_id", resp.ID),
	)
	if resp.OK() {
		p.delivered.Inc()
	} else {
		p.rejected.Inc()
		span.SetStatus(codes.Error, resp.Status)
	}
	logger.Info("delivered record", "id", resp.ID, "status", resp.StatusCode, "response", string(resp.Body), "duration", elapsed)
}
