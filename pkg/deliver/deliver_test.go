package deliver

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/probe-lab/flowarchive/pkg/normalize"
	"github.com/probe-lab/flowarchive/pkg/queue"
	"github.com/probe-lab/flowarchive/pkg/record"
)

type recorder struct {
	mu     sync.Mutex
	bodies [][]byte
	auth   []string
	ids    []string
	status int
}

func (rec *recorder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	rec.mu.Lock()
	rec.bodies = append(rec.bodies, body)
	rec.auth = append(rec.auth, r.Header.Get("Authorization"))
	rec.ids = append(rec.ids, r.Header.Get("X-Opaque-Id"))
	status := rec.status
	rec.mu.Unlock()
	if status == 0 {
		status = http.StatusCreated
	}
	w.WriteHeader(status)
	w.Write([]byte(`{"result":"created"}`))
}

func (rec *recorder) posts() ([][]byte, []string) {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.bodies, rec.auth
}

func newClient(t *testing.T, url, username, password string) *Client {
	t.Helper()
	c, err := NewClient(&ClientConfig{URL: url, Username: username, Password: password})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c
}

func TestClientBasicAuth(t *testing.T) {
	testCases := []struct {
		name     string
		username string
		password string
		wantAuth bool
	}{
		{name: "both", username: "elastic", password: "secret", wantAuth: true},
		{name: "username only", username: "elastic"},
		{name: "password only", password: "secret"},
		{name: "neither"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			rec := &recorder{}
			srv := httptest.NewServer(rec)
			defer srv.Close()

			c := newClient(t, srv.URL, tc.username, tc.password)
			if c.BasicAuth() != tc.wantAuth {
				t.Errorf("got basic auth %v, wanted %v", c.BasicAuth(), tc.wantAuth)
			}
			if _, err := c.Post(context.Background(), []byte(`{}`)); err != nil {
				t.Fatalf("post: %v", err)
			}
			_, auth := rec.posts()
			gotAuth := auth[0] != ""
			if gotAuth != tc.wantAuth {
				t.Errorf("got authorization header %q, wanted present=%v", auth[0], tc.wantAuth)
			}
		})
	}
}

func TestClientNon2xxIsNotAnError(t *testing.T) {
	rec := &recorder{status: http.StatusBadRequest}
	srv := httptest.NewServer(rec)
	defer srv.Close()

	resp, err := newClient(t, srv.URL, "", "").Post(context.Background(), []byte(`{}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if resp.OK() {
		t.Errorf("got OK for status %d", resp.StatusCode)
	}
	if string(resp.Body) != `{"result":"created"}` {
		t.Errorf("got body %q", resp.Body)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if resp.ID == "" || rec.ids[0] != resp.ID {
		t.Errorf("got opaque id %q in request, %q in response", rec.ids[0], resp.ID)
	}
}

func TestClientUnreachable(t *testing.T) {
	srv := httptest.NewServer(&recorder{})
	url := srv.URL
	srv.Close()

	if _, err := newClient(t, url, "", "").Post(context.Background(), []byte(`{}`)); err == nil {
		t.Errorf("got no error posting to a closed server")
	}
}

func TestPoolDeliversEveryRecordOnce(t *testing.T) {
	const items = 1000

	rec := &recorder{}
	srv := httptest.NewServer(rec)
	defer srv.Close()

	q := queue.New(queue.Options[record.Value]{})
	pool, err := NewPool(&PoolConfig{
		Queue:      q,
		Normalizer: normalize.New(normalize.Options{}),
		Poster:     newClient(t, srv.URL, "", ""),
	})
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)
	pool.Start(ctx) // no extra workers

	for i := 0; i < items; i++ {
		q.Put(record.FromMap(record.MapOf("id", record.Int(int64(i)))))
	}

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer waitCancel()
	if err := q.Wait(waitCtx); err != nil {
		t.Fatalf("wait: %v", err)
	}
	cancel()
	pool.Wait()

	if got := pool.Processed(); got != items {
		t.Errorf("got %d processed, wanted %d", got, items)
	}
	bodies, _ := rec.posts()
	if len(bodies) != items {
		t.Fatalf("got %d posts, wanted %d", len(bodies), items)
	}

	seen := make(map[int]bool)
	for _, body := range bodies {
		var doc struct {
			ID int `json:"id"`
		}
		if err := json.Unmarshal(body, &doc); err != nil {
			t.Fatalf("unmarshal %q: %v", body, err)
		}
		if seen[doc.ID] {
			t.Errorf("record %d delivered twice", doc.ID)
		}
		seen[doc.ID] = true
	}

	st := pool.Stats().Sample()
	if st.Attempts != items || st.Delivered != items {
		t.Errorf("got stats %+v", st)
	}
}

func TestPoolSurvivesDeliveryFailures(t *testing.T) {
	srv := httptest.NewServer(&recorder{})
	url := srv.URL
	srv.Close()

	q := queue.New(queue.Options[record.Value]{})
	pool, err := NewPool(&PoolConfig{
		Queue:      q,
		Normalizer: normalize.New(normalize.Options{}),
		Poster:     newClient(t, url, "", ""),
		Workers:    2,
	})
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)

	for i := 0; i < 5; i++ {
		q.Put(record.FromMap(record.MapOf("id", record.Int(int64(i)))))
	}
	waitCtx, waitCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer waitCancel()
	if err := q.Wait(waitCtx); err != nil {
		t.Fatalf("wait: %v", err)
	}

	st := pool.Stats().Sample()
	if st.Failed != 5 {
		t.Errorf("got %d failed, wanted 5", st.Failed)
	}
}

type panickyNormalizer struct{}

func (panickyNormalizer) Normalize(record.Value) record.Value { panic("boom") }

func TestPoolRecoversFromPanics(t *testing.T) {
	srv := httptest.NewServer(&recorder{})
	defer srv.Close()

	q := queue.New(queue.Options[record.Value]{})
	pool, err := NewPool(&PoolConfig{
		Queue:      q,
		Normalizer: panickyNormalizer{},
		Poster:     newClient(t, srv.URL, "", ""),
		Workers:    1,
	})
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)

	q.Put(record.Int(1))
	q.Put(record.Int(2))
	waitCtx, waitCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer waitCancel()
	if err := q.Wait(waitCtx); err != nil {
		t.Fatalf("worker did not survive a panic: %v", err)
	}
}

func TestStatsSample(t *testing.T) {
	s := NewStats()
	s.observe(&Response{StatusCode: 200}, nil, 10*time.Millisecond)
	s.observe(&Response{StatusCode: 503}, nil, 30*time.Millisecond)
	s.observe(nil, io.ErrUnexpectedEOF, time.Second)

	st := s.Sample()
	if st.Attempts != 3 || st.Delivered != 1 || st.Rejected != 1 || st.Failed != 1 {
		t.Errorf("got %+v", st)
	}
	for name, q := range map[string]float64{"p50": st.P50, "p90": st.P90, "p99": st.P99} {
		if q < 0.01 || q > 0.03 {
			t.Errorf("got %s %v, wanted within observed latencies [0.01, 0.03]", name, q)
		}
	}
}

func TestStatsSampleSingleLatency(t *testing.T) {
	s := NewStats()
	s.observe(&Response{StatusCode: 201}, nil, 20*time.Millisecond)

	st := s.Sample()
	if st.P50 != 0.02 || st.P99 != 0.02 {
		t.Errorf("got p50 %v p99 %v, wanted 0.02", st.P50, st.P99)
	}
}

func TestStatsSampleEmpty(t *testing.T) {
	st := NewStats().Sample()
	if st.P50 != 0 || st.P99 != 0 {
		t.Errorf("got quantiles %+v with no latencies", st)
	}
}
