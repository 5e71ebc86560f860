package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"git.sr.ht/~jakintosh/atlantark/internal/metrics"
	"git.sr.ht/~jakintosh/atlantark/pkg/api"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const tracerName = "git.sr.ht/~jakintosh/atlantark/pkg/client"

const DefaultTimeout = 10 * time.Second

// maxErrorBody bounds how much of an error response is read for a message.
const maxErrorBody = 4 << 10

// Decorator adds cookie-mode headers to outgoing requests.
type Decorator interface {
	Decorate(req *http.Request)
}

type noDecorator struct{}

func (noDecorator) Decorate(*http.Request) {}

// Client holds what every call to the backend shares: where it is, how to
// reach it, and how to report on it.
type Client struct {
	base    *url.URL
	http    *http.Client
	csrf    Decorator
	log     *zap.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
}

type Option func(*Client)

// WithHTTPClient replaces the default client. Its Jar must be the CSRF
// guard's jar for cookie mode to work.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithCSRF installs the decorator applied to every request. When the
// decorator also exposes a cookie jar and no HTTP client is given, the
// default client uses that jar.
func WithCSRF(d Decorator) Option {
	return func(c *Client) {
		if d != nil {
			c.csrf = d
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

func WithTracer(t trace.Tracer) Option {
	return func(c *Client) {
		if t != nil {
			c.tracer = t
		}
	}
}

type jarProvider interface {
	CookieJar() http.CookieJar
}

func New(base *url.URL, opts ...Option) *Client {
	c := &Client{
		base:   base,
		csrf:   noDecorator{},
		log:    zap.NewNop(),
		tracer: otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: DefaultTimeout}
		if jp, ok := c.csrf.(jarProvider); ok {
			c.http.Jar = jp.CookieJar()
		}
	}
	return c
}

func (c *Client) BaseURL() *url.URL {
	return c.base
}

// URL joins endpoint onto the base URL, keeping any base path prefix.
func (c *Client) URL(endpoint string) string {
	if !strings.HasPrefix(endpoint, "/") {
		endpoint = "/" + endpoint
	}
	return strings.TrimRight(c.base.String(), "/") + endpoint
}

// LoginURL is the browser entry point for the third-party OAuth flow.
func (c *Client) LoginURL() string {
	return c.URL(api.PathLogin)
}

// newRequest builds a request with a JSON body when body is non-nil. The
// CSRF decorator runs on every request; it decides for itself whether the
// method needs the header.
func (c *Client) newRequest(
	ctx context.Context,
	method string,
	endpoint string,
	body any,
) (*http.Request, error) {
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode body: %w", err)
		}
		rdr = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.URL(endpoint), rdr)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(api.HeaderRequestID, uuid.NewString())
	c.csrf.Decorate(req)
	return req, nil
}

func (c *Client) do(req *http.Request, op string) (*http.Response, error) {
	start := time.Now()
	res, err := c.http.Do(req)
	c.metrics.Observe(op, start)
	return res, err
}

// Stats fetches the public server status. No credential is attached.
func (c *Client) Stats(ctx context.Context) (*api.Stats, error) {
	req, err := c.newRequest(ctx, http.MethodGet, api.PathStats, nil)
	if err != nil {
		return nil, err
	}
	res, err := c.do(req, "stats")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return nil, httpError(res)
	}
	var stats api.Stats
	if err := json.NewDecoder(res.Body).Decode(&stats); err != nil {
		return nil, fmt.Errorf("decode stats: %w", err)
	}
	return &stats, nil
}

// httpError reads an error message from res, tolerating bodies that are
// not the documented shape.
func httpError(res *http.Response) *HTTPError {
	he := &HTTPError{Status: res.StatusCode}
	data, err := io.ReadAll(io.LimitReader(res.Body, maxErrorBody))
	if err != nil || len(data) == 0 {
		return he
	}
	var body api.ErrorResponse
	if json.Unmarshal(data, &body) == nil && body.Text() != "" {
		he.Message = body.Text()
		return he
	}
	he.Message = strings.TrimSpace(string(data))
	return he
}

// drain discards the rest of a body so the connection can be reused.
func drain(res *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, maxErrorBody))
	_ = res.Body.Close()
}
