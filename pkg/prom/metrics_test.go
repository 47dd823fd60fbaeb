package prom

import "testing"

func TestRegistrationIsIdempotent(t *testing.T) {
	c1, err := NewPrometheusCounter("test", "things_total", "Things.", nil)
	if err != nil {
		t.Fatalf("first registration: %v", err)
	}
	c2, err := NewPrometheusCounter("test", "things_total", "Things.", nil)
	if err != nil {
		t.Fatalf("second registration: %v", err)
	}
	if c1 != c2 {
		t.Errorf("got a new counter, wanted the registered one")
	}

	g1, err := NewPrometheusGauge("test", "level", "Level.", map[string]string{"source": "a"})
	if err != nil {
		t.Fatalf("gauge: %v", err)
	}
	g2, err := NewPrometheusGauge("test", "level", "Level.", map[string]string{"source": "b"})
	if err != nil {
		t.Fatalf("gauge with other label value: %v", err)
	}
	if g1 == g2 {
		t.Errorf("gauges with different labels are the same collector")
	}

	if _, err := NewPrometheusHistogram("test", "duration_seconds", "Duration.", nil); err != nil {
		t.Fatalf("histogram: %v", err)
	}
	if _, err := NewPrometheusHistogram("test", "duration_seconds", "Duration.", nil); err != nil {
		t.Fatalf("second histogram: %v", err)
	}
}

func TestNewPrometheusServerPath(t *testing.T) {
	ps, err := NewPrometheusServer(":0", "metrics")
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	if ps.metricsPath != "/metrics" {
		t.Errorf("got path %q, wanted /metrics", ps.metricsPath)
	}
}
