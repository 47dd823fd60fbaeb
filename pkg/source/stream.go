package source

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/common/config"

	"github.com/probe-lab/flowarchive/pkg/filter"
)

const defaultReconnectDelay = 30 * time.Second

type StreamConfig struct {
	AppName        string
	URI            string // websocket feed of envelopes, e.g. wss://capture.internal/flows
	Username       string // basic auth is only used when both Username and Password are set
	Password       string
	TLSConfig      config.TLSConfig
	ReconnectDelay time.Duration // defaults to 30s
}

// StreamSource reads envelopes from a capture host's websocket feed, one
// envelope per message.
type StreamSource struct {
	cfg StreamConfig
	d   *dispatcher

	mu   sync.Mutex // guards following fields
	conn *websocket.Conn
}

func NewStreamSource(cfg *StreamConfig, sink Sink, f filter.RecordFilter) (*StreamSource, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	d, err := newDispatcher("stream", sink, f)
	if err != nil {
		return nil, err
	}
	s := &StreamSource{cfg: *cfg, d: d}
	if s.cfg.ReconnectDelay <= 0 {
		s.cfg.ReconnectDelay = defaultReconnectDelay
	}
	return s, nil
}

func (s *StreamSource) Run(ctx context.Context) error {
	if err := s.connect(); err != nil {
		return err
	}
	defer s.d.metrics.connected.Set(0)

	go func() {
		<-ctx.Done()
		s.shutdown()
	}()

	for {
		data, err := s.readMessage()
		if ctx.Err() != nil {
			return ctx.Err()
		} else if err != nil {
			s.d.logger.Warn("failed to read from stream", "error", err)
			for {
				err := s.connect()
				if err == nil {
					break
				}
				s.d.metrics.errors.Add(1)
				s.d.logger.Error("failed to connect to stream", err)
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(s.cfg.ReconnectDelay):
				}
			}
			continue
		}

		if err := s.d.handleEnvelope(data); err != nil {
			s.d.logger.Warn("failed to handle envelope", "error", err)
		}
	}
}

func (s *StreamSource) connect() error {
	// Clean up if we were previously connected
	s.mu.Lock()
	if s.conn != nil {
		s.conn.Close()
		s.d.metrics.connected.Set(0)
	}
	s.conn = nil
	s.mu.Unlock()

	tlsConfig, err := config.NewTLSConfig(&s.cfg.TLSConfig)
	if err != nil {
		return fmt.Errorf("new tls config: %w", err)
	}

	us := s.cfg.URI
	if strings.HasPrefix(us, "http") {
		us = strings.Replace(us, "http", "ws", 1)
	}

	ws := websocket.Dialer{
		TLSClientConfig:  tlsConfig,
		HandshakeTimeout: 45 * time.Second,
	}

	conn, resp, err := ws.Dial(us, s.requestHeader())
	if err != nil {
		if resp == nil {
			return fmt.Errorf("missing http response: %w", err)
		}
		buf, _ := io.ReadAll(resp.Body) // nolint
		return fmt.Errorf("error response from server: %s (%v)", string(buf), err)
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	s.d.metrics.connected.Set(1)
	s.d.logger.Info("connected to stream", "uri", s.cfg.URI)
	return nil
}

func (s *StreamSource) shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return
	}

	if err := s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")); err != nil {
		s.d.logger.Debug("failed to write close message", "error", err)
	}
	s.conn.Close()
	s.conn = nil
}

func (s *StreamSource) readMessage() ([]byte, error) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	if conn == nil {
		return nil, fmt.Errorf("attempted to read while disconnected")
	}

	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("read message: %w", err)
	}
	return data, nil
}

func (s *StreamSource) requestHeader() http.Header {
	h := make(http.Header)

	if s.cfg.Username != "" && s.cfg.Password != "" {
		h.Set(
			"Authorization",
			"Basic "+base64.StdEncoding.EncodeToString([]byte(s.cfg.Username+":"+s.cfg.Password)),
		)
	}

	appName := s.cfg.AppName
	if appName == "" {
		appName = "flowarchive"
	}
	h.Set("User-Agent", fmt.Sprintf("%s/0.1", appName))

	return h
}
