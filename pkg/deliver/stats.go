package deliver

import (
	"context"
	"sync"
	"time"

	"github.com/spenczar/tdigest"
	"golang.org/x/exp/slog"
)

// Stats accumulates delivery outcomes for the periodic health log.
type Stats struct {
	mu        sync.Mutex
	attempts  int64
	delivered int64 // 2xx
	rejected  int64 // any other status
	failed    int64 // no response
	latency   *tdigest.TDigest
	min, max  float64 // observed latency bounds in seconds
}

func NewStats() *Stats {
	return &Stats{latency: tdigest.New()}
}

func (s *Stats) observe(resp *Response, err error, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	switch {
	case err != nil:
		s.failed++
		return
	case resp.OK():
		s.delivered++
	default:
		s.rejected++
	}
	secs := d.Seconds()
	if s.delivered+s.rejected == 1 || secs < s.min {
		s.min = secs
	}
	if secs > s.max {
		s.max = secs
	}
	s.latency.Add(secs, 1)
}

type StatsSample struct {
	Attempts  int64
	Delivered int64
	Rejected  int64
	Failed    int64
	P50       float64
	P90       float64
	P99       float64
}

func (s *Stats) Sample() StatsSample {
	s.mu.Lock()
	defer s.mu.Unlock()
	sample := StatsSample{
		Attempts:  s.attempts,
		Delivered: s.delivered,
		Rejected:  s.rejected,
		Failed:    s.failed,
	}
	if s.delivered+s.rejected > 0 {
		sample.P50 = s.quantile(0.50)
		sample.P90 = s.quantile(0.90)
		sample.P99 = s.quantile(0.99)
	}
	return sample
}

// quantile clamps the digest's estimate to the observed range; with few
// samples the digest extrapolates past it.
func (s *Stats) quantile(q float64) float64 {
	v := s.latency.Quantile(q)
	if v < s.min {
		return s.min
	}
	if v > s.max {
		return s.max
	}
	return v
}

// Health periodically logs delivery statistics.
type Health struct {
	Stats    *Stats
	Interval time.Duration // defaults to 5 minutes
	Pending  func() int    // optional, reports the queue backlog
}

func (h *Health) Run(ctx context.Context) error {
	interval := h.Interval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			h.log()
		}
	}
}

func (h *Health) log() {
	st := h.Stats.Sample()
	attrs := []any{
		"attempts", st.Attempts,
		"delivered", st.Delivered,
		"rejected", st.Rejected,
		"failed", st.Failed,
		"p50", st.P50,
		"p90", st.P90,
		"p99", st.P99,
	}
	if h.Pending != nil {
		attrs = append(attrs, "pending", h.Pending())
	}
	slog.Info("delivery health", attrs...)
}
