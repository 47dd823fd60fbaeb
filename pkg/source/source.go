// Package source receives flow snapshots from a capture host and passes them
// to the archiver hooks.
package source

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/exp/slog"

	"github.com/probe-lab/flowarchive/pkg/filter"
	"github.com/probe-lab/flowarchive/pkg/prom"
	"github.com/probe-lab/flowarchive/pkg/record"
)

type Event string

const (
	EventResponse       Event = "response"
	EventError          Event = "error"
	EventWebsocketEnd   Event = "websocket_end"
	EventWebsocketError Event = "websocket_error"
)

var (
	ErrUnknownEvent      = errors.New("unknown event")
	ErrMalformedEnvelope = errors.New("malformed envelope")
)

func ParseEvent(s string) (Event, error) {
	switch ev := Event(s); ev {
	case EventResponse, EventError, EventWebsocketEnd, EventWebsocketError:
		return ev, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownEvent, s)
	}
}

// Sink receives completed flows. It is implemented by the archiver.
type Sink interface {
	OnResponse(record.Value)
	OnError(record.Value)
	OnWebsocketEnd(record.Value)
	OnWebsocketError(record.Value)
}

// Envelope is one snapshot together with the hook it is destined for. On the
// wire it is {"event": "...", "flow": {...}}.
type Envelope struct {
	Event Event
	Flow  record.Value
}

func DecodeEnvelope(data []byte) (Envelope, error) {
	v, err := record.Decode(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	return envelopeOf(v)
}

func envelopeOf(v record.Value) (Envelope, error) {
	m, ok := v.AsMap()
	if !ok {
		return Envelope{}, fmt.Errorf("%w: not an object", ErrMalformedEnvelope)
	}
	evv, ok := m.Get("event")
	if !ok {
		return Envelope{}, fmt.Errorf("%w: missing event", ErrMalformedEnvelope)
	}
	evs, ok := evv.Text()
	if !ok {
		return Envelope{}, fmt.Errorf("%w: event is not text", ErrMalformedEnvelope)
	}
	ev, err := ParseEvent(evs)
	if err != nil {
		return Envelope{}, err
	}
	flow, ok := m.Get("flow")
	if !ok {
		return Envelope{}, fmt.Errorf("%w: missing flow", ErrMalformedEnvelope)
	}
	if _, ok := flow.AsMap(); !ok {
		return Envelope{}, fmt.Errorf("%w: flow is not an object", ErrMalformedEnvelope)
	}
	return Envelope{Event: ev, Flow: flow}, nil
}

// DecodeFlow accepts either an envelope or a bare snapshot and returns the
// snapshot.
func DecodeFlow(data []byte) (record.Value, error) {
	v, err := record.Decode(data)
	if err != nil {
		return record.Value{}, err
	}
	m, ok := v.AsMap()
	if !ok {
		return record.Value{}, fmt.Errorf("%w: not an object", ErrMalformedEnvelope)
	}
	_, hasEvent := m.Get("event")
	_, hasFlow := m.Get("flow")
	if hasEvent && hasFlow && m.Len() == 2 {
		env, err := envelopeOf(v)
		if err != nil {
			return record.Value{}, err
		}
		return env.Flow, nil
	}
	return v, nil
}

// Dispatch calls the hook of s that corresponds to ev.
func Dispatch(s Sink, ev Event, flow record.Value) error {
	switch ev {
	case EventResponse:
		s.OnResponse(flow)
	case EventError:
		s.OnError(flow)
	case EventWebsocketEnd:
		s.OnWebsocketEnd(flow)
	case EventWebsocketError:
		s.OnWebsocketError(flow)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownEvent, ev)
	}
	return nil
}

type Metrics struct {
	incoming  prometheus.Counter
	filtered  prometheus.Counter
	errors    prometheus.Counter
	connected prometheus.Gauge
}

func NewMetrics(name string) (*Metrics, error) {
	labels := map[string]string{"source": name}
	s := &Metrics{}

	var err error
	s.incoming, err = prom.NewPrometheusCounter(
		"source",
		"flows_incoming_total",
		"The total number of flows read from the source.",
		labels,
	)
	if err != nil {
		return nil, fmt.Errorf("new counter: %w", err)
	}

	s.filtered, err = prom.NewPrometheusCounter(
		"source",
		"flows_filtered_total",
		"The total number of flows ignored due to filter rules.",
		labels,
	)
	if err != nil {
		return nil, fmt.Errorf("new counter: %w", err)
	}

	s.errors, err = prom.NewPrometheusCounter(
		"source",
		"error_total",
		"The total number of errors encountered when reading from the source.",
		labels,
	)
	if err != nil {
		return nil, fmt.Errorf("new counter: %w", err)
	}

	s.connected, err = prom.NewPrometheusGauge(
		"source",
		"connected",
		"Indicates whether the source is connected to its provider of flows.",
		labels,
	)
	if err != nil {
		return nil, fmt.Errorf("new gauge: %w", err)
	}

	return s, nil
}

// dispatcher is shared by the sources: it decodes, filters and hands flows to
// the sink.
type dispatcher struct {
	sink    Sink
	filter  filter.RecordFilter
	metrics *Metrics
	logger  *slog.Logger
}

func newDispatcher(name string, sink Sink, f filter.RecordFilter) (*dispatcher, error) {
	if sink == nil {
		return nil, fmt.Errorf("sink must not be nil")
	}
	if f == nil {
		f = filter.NullFilter
	}
	m, err := NewMetrics(name)
	if err != nil {
		return nil, err
	}
	return &dispatcher{
		sink:    sink,
		filter:  f,
		metrics: m,
		logger:  slog.Default().With("component", "source", "source", name),
	}, nil
}

// handleEnvelope decodes and delivers one envelope.
func (d *dispatcher) handleEnvelope(data []byte) error {
	d.metrics.incoming.Add(1)
	env, err := DecodeEnvelope(data)
	if err != nil {
		d.metrics.errors.Add(1)
		return err
	}
	return d.deliver(env.Event, env.Flow)
}

// handleFlow decodes a bare snapshot and delivers it to the hook for ev.
func (d *dispatcher) handleFlow(ev Event, data []byte) error {
	d.metrics.incoming.Add(1)
	flow, err := record.Decode(data)
	if err != nil {
		d.metrics.errors.Add(1)
		return fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if _, ok := flow.AsMap(); !ok {
		d.metrics.errors.Add(1)
		return fmt.Errorf("%w: flow is not an object", ErrMalformedEnvelope)
	}
	return d.deliver(ev, flow)
}

func (d *dispatcher) deliver(ev Event, flow record.Value) error {
	if !d.filter(flow) {
		d.metrics.filtered.Add(1)
		return nil
	}
	if err := Dispatch(d.sink, ev, flow); err != nil {
		d.metrics.errors.Add(1)
		return err
	}
	return nil
}
