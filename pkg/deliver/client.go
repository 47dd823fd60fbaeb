package deliver

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/common/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"golang.org/x/net/http2"
)

// maxResponseBody bounds how much of the storage endpoint's reply is kept for
// logging.
const maxResponseBody = 1 << 20

type ClientConfig struct {
	URL      string        // document endpoint, e.g. http://localhost:9200/mitmproxy/_doc
	Username string        // basic auth is only used when both Username and Password are set
	Password string
	Timeout  time.Duration // zero means no timeout
	TLS      config.TLSConfig
}

// Client posts JSON documents to the storage endpoint.
type Client struct {
	url      string
	username string
	password string
	hc       *http.Client
}

func NewClient(cfg *ClientConfig) (*Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}

	tlsConfig, err := config.NewTLSConfig(&cfg.TLS)
	if err != nil {
		return nil, fmt.Errorf("new tls config: %w", err)
	}

	tr := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		TLSClientConfig:     tlsConfig,
		MaxIdleConnsPerHost: DefaultWorkers,
		IdleConnTimeout:     90 * time.Second,
	}
	if err := http2.ConfigureTransport(tr); err != nil {
		return nil, fmt.Errorf("configure http2: %w", err)
	}

	c := &Client{
		url: cfg.URL,
		hc: &http.Client{
			Transport: tr,
			Timeout:   cfg.Timeout,
		},
	}
	if cfg.Username != "" && cfg.Password != "" {
		c.username = cfg.Username
		c.password = cfg.Password
	}
	return c, nil
}

// BasicAuth reports whether requests carry basic auth credentials.
func (c *Client) BasicAuth() bool {
	return c.username != ""
}

// Response is the storage endpoint's reply to one document.
type Response struct {
	ID         string // sent as X-Opaque-Id so the request can be found in the endpoint's logs
	StatusCode int
	Status     string
	Body       []byte
}

// OK reports whether the endpoint accepted the document.
func (r *Response) OK() bool {
	return r.StatusCode/100 == 2
}

// Post sends doc as a JSON request body. A non-2xx reply is not an error.
func (c *Client) Post(ctx context.Context, doc []byte) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(doc))
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	id := uuid.NewString()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Opaque-Id", id)
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	// drain whatever is left so the connection can be reused
	io.Copy(io.Discard, resp.Body)

	return &Response{
		ID:         id,
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Body:       body,
	}, nil
}
