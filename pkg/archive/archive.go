// Package archive ties the capture hooks to the delivery workers. Hooks only
// copy and enqueue; normalization and delivery happen on the workers.
package archive

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/prometheus/common/config"
	"golang.org/x/exp/slog"

	"github.com/probe-lab/flowarchive/pkg/deliver"
	"github.com/probe-lab/flowarchive/pkg/normalize"
	"github.com/probe-lab/flowarchive/pkg/prom"
	"github.com/probe-lab/flowarchive/pkg/queue"
	"github.com/probe-lab/flowarchive/pkg/record"
	"github.com/probe-lab/flowarchive/pkg/transform"
)

// DefaultURL is the document endpoint offered by the command line.
const DefaultURL = "http://localhost:9200/mitmproxy/_doc"

var ErrInvalidEndpoint = errors.New("invalid endpoint")

type Config struct {
	URL           string
	Username      string
	Password      string
	EncodeContent bool // keep binary bodies as base64

	BinaryThreshold float64       // websocket binary heuristic, defaults to transform.DefaultBinaryThreshold
	QueueCapacity   int           // zero means unbounded
	PostTimeout     time.Duration // zero means no timeout
	DrainTimeout    time.Duration // zero means wait for every record
	DumpFrames      bool
	TLS             config.TLSConfig
}

// ValidateEndpoint checks that raw is an absolute http or https URL.
func ValidateEndpoint(raw string) (*url.URL, error) {
	if raw == "" {
		return nil, fmt.Errorf("%w: missing url", ErrInvalidEndpoint)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEndpoint, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: scheme must be http or https: %q", ErrInvalidEndpoint, raw)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: missing host: %q", ErrInvalidEndpoint, raw)
	}
	return u, nil
}

// Archiver receives flow snapshots and delivers them to the storage endpoint.
type Archiver struct {
	endpoint     *url.URL
	drainTimeout time.Duration
	queue        *queue.Queue[record.Value]
	pool         *deliver.Pool
	logger       *slog.Logger

	startOnce    sync.Once
	stopWorkers  context.CancelFunc
	enqueued     prom.Counter
	dropped      prom.Counter
	decodeErrors prom.Counter
}

func New(cfg Config) (*Archiver, error) {
	endpoint, err := ValidateEndpoint(cfg.URL)
	if err != nil {
		return nil, err
	}

	a := &Archiver{
		endpoint:     endpoint,
		drainTimeout: cfg.DrainTimeout,
		logger:       slog.Default().With("component", "archive"),
	}

	a.enqueued, err = prom.NewPrometheusCounter("archive", "enqueued_total", "The total number of flows queued for delivery.", nil)
	if err != nil {
		return nil, fmt.Errorf("enqueued counter: %w", err)
	}
	a.dropped, err = prom.NewPrometheusCounter("archive", "dropped_total", "The total number of queued flows discarded because the queue was full.", nil)
	if err != nil {
		return nil, fmt.Errorf("dropped counter: %w", err)
	}
	a.decodeErrors, err = prom.NewPrometheusCounter("archive", "decode_errors_total", "The total number of bodies that could not be decoded.", nil)
	if err != nil {
		return nil, fmt.Errorf("decode errors counter: %w", err)
	}

	threshold := cfg.BinaryThreshold
	if threshold <= 0 {
		threshold = transform.DefaultBinaryThreshold
	}
	registry := transform.NewRegistry(transform.Options{
		Binary: transform.PrintableDetector{Threshold: threshold},
	})
	normalizer := normalize.New(normalize.Options{
		Registry:     registry,
		EncodeBinary: cfg.EncodeContent,
		OnDecodeError: func(message string, encoding string, err error) {
			a.decodeErrors.Inc()
			a.logger.Warn("failed to decode body, keeping it encoded", "message", message, "encoding", encoding, "error", err)
		},
	})

	a.queue = queue.New(queue.Options[record.Value]{
		Capacity: cfg.QueueCapacity,
		OnDrop: func(record.Value) {
			a.dropped.Inc()
			a.logger.Warn("queue full, discarded oldest flow")
		},
	})

	client, err := deliver.NewClient(&deliver.ClientConfig{
		URL:      endpoint.String(),
		Username: cfg.Username,
		Password: cfg.Password,
		Timeout:  cfg.PostTimeout,
		TLS:      cfg.TLS,
	})
	if err != nil {
		return nil, fmt.Errorf("new client: %w", err)
	}
	if client.BasicAuth() {
		a.logger.Debug("using basic auth", "username", cfg.Username)
	}

	a.pool, err = deliver.NewPool(&deliver.PoolConfig{
		Queue:      a.queue,
		Normalizer: normalizer,
		Poster:     client,
		DumpFrames: cfg.DumpFrames,
	})
	if err != nil {
		return nil, fmt.Errorf("new pool: %w", err)
	}

	return a, nil
}

// Endpoint returns the validated storage endpoint.
func (a *Archiver) Endpoint() *url.URL {
	return a.endpoint
}

func (a *Archiver) Stats() *deliver.Stats {
	return a.pool.Stats()
}

// Pending returns the number of flows queued or being delivered.
func (a *Archiver) Pending() int {
	return a.queue.Pending()
}

// Start launches the delivery workers. Only the first call has any effect.
// The workers run until ctx is canceled or Stop is called.
func (a *Archiver) Start(ctx context.Context) {
	a.startOnce.Do(func() {
		wctx, cancel := context.WithCancel(ctx)
		a.stopWorkers = cancel
		a.pool.Start(wctx)
		a.logger.Info("archiver started", "endpoint", a.endpoint.Redacted(), "workers", deliver.DefaultWorkers)
	})
}

// Stop halts the workers once they finish their current record. Queued flows
// that were not delivered are abandoned.
func (a *Archiver) Stop() {
	if a.stopWorkers == nil {
		return
	}
	a.stopWorkers()
	a.pool.Wait()
}

func (a *Archiver) OnResponse(flow record.Value)       { a.enqueue(flow) }
func (a *Archiver) OnError(flow record.Value)          { a.enqueue(flow) }
func (a *Archiver) OnWebsocketEnd(flow record.Value)   { a.enqueue(flow) }
func (a *Archiver) OnWebsocketError(flow record.Value) { a.enqueue(flow) }

func (a *Archiver) enqueue(flow record.Value) {
	a.queue.Put(flow.Clone())
	a.enqueued.Inc()
}

// Drain blocks until every queued and in-flight flow has been handled or ctx
// is done.
func (a *Archiver) Drain(ctx context.Context) error {
	return a.queue.Wait(ctx)
}

// Run starts the archiver, waits for ctx to be canceled, then drains before
// stopping the workers.
func (a *Archiver) Run(ctx context.Context) error {
	// the workers must outlive ctx so that the drain can complete
	a.Start(context.Background())
	<-ctx.Done()

	a.logger.Info("draining", "pending", a.queue.Pending())
	dctx := context.Background()
	if a.drainTimeout > 0 {
		var cancel context.CancelFunc
		dctx, cancel = context.WithTimeout(dctx, a.drainTimeout)
		defer cancel()
	}
	if err := a.Drain(dctx); err != nil {
		a.logger.Warn("drain did not complete", "pending", a.queue.Pending(), "error", err)
	}
	a.Stop()
	a.logger.Info("archiver stopped", "processed", a.pool.Processed())
	return ctx.Err()
}
