package archive

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/probe-lab/flowarchive/pkg/normalize"
	"github.com/probe-lab/flowarchive/pkg/record"
)

type sink struct {
	mu   sync.Mutex
	docs []map[string]any
}

func (s *sink) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	s.docs = append(s.docs, doc)
	s.mu.Unlock()
	w.WriteHeader(http.StatusCreated)
}

func (s *sink) received() []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]map[string]any(nil), s.docs...)
}

func header(name, value string) record.Value {
	return record.List(record.Bytes([]byte(name)), record.Bytes([]byte(value)))
}

func responseFlow(body []byte, headers ...record.Value) record.Value {
	resp := record.MapOf(
		"status_code", record.Int(200),
		"headers", record.List(headers...),
		"content", record.Bytes(body),
	)
	req := record.MapOf(
		"host", record.Bytes([]byte("example.com")),
		"headers", record.List(),
		"content", record.Bytes(nil),
	)
	return record.FromMap(record.MapOf(
		"request", record.FromMap(req),
		"response", record.FromMap(resp),
	))
}

func deliverOne(t *testing.T, cfg Config, flow record.Value) map[string]any {
	t.Helper()
	s := &sink{}
	srv := httptest.NewServer(s)
	defer srv.Close()

	cfg.URL = srv.URL + "/mitmproxy/_doc"
	a, err := New(cfg)
	if err != nil {
		t.Fatalf("new archiver: %v", err)
	}
	a.Start(context.Background())
	defer a.Stop()

	a.OnResponse(flow)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.Drain(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
	docs := s.received()
	if len(docs) != 1 {
		t.Fatalf("got %d documents, wanted 1", len(docs))
	}
	return docs[0]
}

func responseContent(t *testing.T, doc map[string]any) any {
	t.Helper()
	resp, ok := doc["response"].(map[string]any)
	if !ok {
		t.Fatalf("no response in %v", doc)
	}
	return resp["content"]
}

func TestEndToEnd(t *testing.T) {
	var gz bytes.Buffer
	zw := gzip.NewWriter(&gz)
	zw.Write([]byte("decompressed plaintext"))
	zw.Close()

	testCases := []struct {
		name string
		flow record.Value
		want string
	}{
		{
			name: "json body unchanged",
			flow: responseFlow([]byte(`{"a":[1,2]}`), header("content-type", "application/json")),
			want: `{"a":[1,2]}`,
		},
		{
			name: "jpeg removed",
			flow: responseFlow([]byte{0xff, 0xd8, 0xff}, header("content-type", "image/jpeg")),
			want: normalize.BinaryRemoved,
		},
		{
			name: "gzip decompressed",
			flow: responseFlow(gz.Bytes(), header("content-type", "text/plain"), header("content-encoding", "gzip")),
			want: "decompressed plaintext",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			doc := deliverOne(t, Config{}, tc.flow)
			if got := responseContent(t, doc); got != tc.want {
				t.Errorf("got content %v, wanted %q", got, tc.want)
			}
		})
	}
}

func TestHooksSnapshotTheFlow(t *testing.T) {
	flow := responseFlow([]byte("original"), header("content-type", "text/plain"))

	s := &sink{}
	srv := httptest.NewServer(s)
	defer srv.Close()

	a, err := New(Config{URL: srv.URL})
	if err != nil {
		t.Fatalf("new archiver: %v", err)
	}
	// enqueue before the workers start so the mutation happens first
	a.OnResponse(flow)
	resp, _ := record.Lookup(flow, record.Path{"response"})
	m, _ := resp.AsMap()
	m.SetString("content", record.Bytes([]byte("mutated")))

	a.Start(context.Background())
	defer a.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.Drain(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}

	docs := s.received()
	if len(docs) != 1 {
		t.Fatalf("got %d documents, wanted 1", len(docs))
	}
	if got := responseContent(t, docs[0]); got != "original" {
		t.Errorf("got %v, wanted the content at enqueue time", got)
	}
	if ct, _ := record.Lookup(flow, record.Path{"response", "headers"}); ct.Kind() != record.KindList {
		t.Errorf("caller's flow was transformed")
	}
}

func TestAllHooksDeliver(t *testing.T) {
	s := &sink{}
	srv := httptest.NewServer(s)
	defer srv.Close()

	a, err := New(Config{URL: srv.URL})
	if err != nil {
		t.Fatalf("new archiver: %v", err)
	}
	a.Start(context.Background())
	defer a.Stop()

	flow := func() record.Value { return responseFlow([]byte("x")) }
	a.OnResponse(flow())
	a.OnError(flow())
	a.OnWebsocketEnd(flow())
	a.OnWebsocketError(flow())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.Drain(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if got := len(s.received()); got != 4 {
		t.Errorf("got %d documents, wanted 4", got)
	}
}

func TestRunDrainsOnCancel(t *testing.T) {
	s := &sink{}
	srv := httptest.NewServer(s)
	defer srv.Close()

	a, err := New(Config{URL: srv.URL})
	if err != nil {
		t.Fatalf("new archiver: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- a.Run(ctx) }()

	for i := 0; i < 50; i++ {
		a.OnResponse(responseFlow([]byte("x")))
	}
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("got %v, wanted context canceled", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("run did not return")
	}
	if got := len(s.received()); got != 50 {
		t.Errorf("got %d documents after drain, wanted 50", got)
	}
}

func TestNewRejectsInvalidEndpoint(t *testing.T) {
	testCases := []string{
		"",
		"ftp://localhost:9200/mitmproxy/_doc",
		"localhost:9200",
		"http://",
		"://bad",
	}
	for _, raw := range testCases {
		t.Run(raw, func(t *testing.T) {
			a, err := New(Config{URL: raw})
			if !errors.Is(err, ErrInvalidEndpoint) {
				t.Errorf("got %v, wanted %v", err, ErrInvalidEndpoint)
			}
			if a != nil {
				t.Errorf("got an archiver for an invalid endpoint")
			}
		})
	}
}

func TestNewRejectsMissingEndpoint(t *testing.T) {
	a, err := New(Config{})
	if !errors.Is(err, ErrInvalidEndpoint) {
		t.Fatalf("got %v, wanted %v", err, ErrInvalidEndpoint)
	}
	if a != nil {
		t.Errorf("got an archiver for a missing endpoint")
	}
}

func TestNewKeepsEndpoint(t *testing.T) {
	a, err := New(Config{URL: DefaultURL})
	if err != nil {
		t.Fatalf("new archiver: %v", err)
	}
	if got := a.Endpoint().String(); got != DefaultURL {
		t.Errorf("got endpoint %q, wanted %q", got, DefaultURL)
	}
}
