package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/probe-lab/flowarchive/pkg/filter"
)

// DefaultMaxBodySize bounds the size of a single posted flow.
const DefaultMaxBodySize = 256 << 20

type HTTPConfig struct {
	Addr        string // listen address, e.g. :8089
	MaxBodySize int64  // defaults to DefaultMaxBodySize
}

// HTTPSource accepts flows posted by the capture host. The flow is queued
// before the reply is written, so a 202 means the flow will be delivered.
type HTTPSource struct {
	cfg HTTPConfig
	d   *dispatcher
}

func NewHTTPSource(cfg *HTTPConfig, sink Sink, f filter.RecordFilter) (*HTTPSource, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	d, err := newDispatcher("http", sink, f)
	if err != nil {
		return nil, err
	}
	s := &HTTPSource{cfg: *cfg, d: d}
	if s.cfg.MaxBodySize <= 0 {
		s.cfg.MaxBodySize = DefaultMaxBodySize
	}
	return s, nil
}

func (s *HTTPSource) Run(ctx context.Context) error {
	mx := mux.NewRouter()
	s.ConfigureRoutes(mx)

	srv := &http.Server{
		Handler:     mx,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	go func() {
		<-ctx.Done()
		if err := srv.Shutdown(context.Background()); err != nil {
			s.d.logger.Error("failed to shut down ingest server", err)
		}
	}()

	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %q: %w", s.cfg.Addr, err)
	}
	s.d.logger.Info("starting ingest server", "addr", listener.Addr().String())
	s.d.metrics.connected.Set(1)
	defer s.d.metrics.connected.Set(0)

	if err := srv.Serve(listener); err != nil {
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve failed: %w", err)
		}
	}

	return nil
}

func (s *HTTPSource) ConfigureRoutes(r *mux.Router) {
	r.NotFoundHandler = http.HandlerFunc(s.NotFoundHandler)
	r.Path("/flows").Methods("POST").HandlerFunc(s.EnvelopeHandler)
	r.Path("/flows/{event}").Methods("POST").HandlerFunc(s.FlowHandler)
	r.Path("/healthz").Methods("GET").HandlerFunc(s.HealthHandler)
}

func (s *HTTPSource) NotFoundHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNotFound)
	w.Write([]byte("Not Found\n"))
}

func (s *HTTPSource) HealthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok\n"))
}

// EnvelopeHandler accepts {"event": ..., "flow": ...}.
func (s *HTTPSource) EnvelopeHandler(w http.ResponseWriter, r *http.Request) {
	data, err := s.readBody(w, r)
	if err != nil {
		s.BadRequest(w, r, err)
		return
	}
	if err := s.d.handleEnvelope(data); err != nil {
		s.BadRequest(w, r, err)
		return
	}
	s.Accepted(w)
}

// FlowHandler accepts a bare snapshot for the hook named in the path.
func (s *HTTPSource) FlowHandler(w http.ResponseWriter, r *http.Request) {
	ev, err := ParseEvent(mux.Vars(r)["event"])
	if err != nil {
		s.d.metrics.errors.Add(1)
		s.BadRequest(w, r, err)
		return
	}
	data, err := s.readBody(w, r)
	if err != nil {
		s.BadRequest(w, r, err)
		return
	}
	if err := s.d.handleFlow(ev, data); err != nil {
		s.BadRequest(w, r, err)
		return
	}
	s.Accepted(w)
}

func (s *HTTPSource) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodySize))
	if err != nil {
		s.d.metrics.errors.Add(1)
		return nil, fmt.Errorf("read body: %w", err)
	}
	return data, nil
}

type ErrorResponse struct {
	Err string `json:"err"`
}

func (s *HTTPSource) WriteAsJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	if err := enc.Encode(v); err != nil {
		s.d.logger.Error("failed to write json response", err)
	}
}

func (s *HTTPSource) Accepted(w http.ResponseWriter) {
	w.WriteHeader(http.StatusAccepted)
}

func (s *HTTPSource) BadRequest(w http.ResponseWriter, r *http.Request, err error) {
	s.d.logger.Info("bad request", "error", err, "path", r.URL.Path)
	s.WriteAsJSON(w, http.StatusBadRequest, &ErrorResponse{Err: err.Error()})
}
