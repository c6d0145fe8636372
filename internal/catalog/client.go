// Package catalog fetches the remote product catalog and exposes it to the
// presentation layer as an observable fetch state.
package catalog

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// DefaultBaseURL is the public store API the catalog is read from.
const DefaultBaseURL = "https://fakestoreapi.com/"

// DefaultMaxBodyBytes caps a single response body.
const DefaultMaxBodyBytes = 8 << 20

// ErrEmptyPath is returned by Fetch when no path segment is given.
var ErrEmptyPath = errors.New("catalog path must not be empty")

// Fetcher returns the raw body of base URL + path.
type Fetcher interface {
	Fetch(ctx context.Context, path string) (string, error)
}

// TransportError describes any failure of the request itself: connection
// errors, timeouts, non-2xx statuses and oversized bodies.
type TransportError struct {
	URL string
	// StatusCode is 0 when no response was received.
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("GET %s: unexpected status %d %s", e.URL, e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("GET %s: %v", e.URL, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ClientConfig configures a Client. Zero values select defaults.
type ClientConfig struct {
	// BaseURL is the API root; paths passed to Fetch are joined onto it.
	BaseURL string
	// Timeout bounds a whole request. Zero leaves only the transport defaults.
	Timeout time.Duration
	// MaxBodyBytes caps the response size. Defaults to DefaultMaxBodyBytes.
	MaxBodyBytes int64
	// RequestsPerSecond throttles outbound requests. Zero disables throttling.
	RequestsPerSecond float64
	// Burst is the limiter bucket size. Defaults to 1.
	Burst int
	// RedirectHosts lists hosts a redirect may lead to besides the host:port
	// of the original request. Any other redirect fails the request.
	RedirectHosts []string

	Transport      http.RoundTripper
	TracerProvider trace.TracerProvider
	MeterProvider  metric.MeterProvider
}

// Client issues single GET requests against the catalog API. It never
// retries and never caches.
type Client struct {
	base          *url.URL
	http          *http.Client
	limiter       *rate.Limiter
	maxBody       int64
	redirectHosts map[string]struct{}
}

// maxRedirects matches the net/http default.
const maxRedirects = 10

var _ Fetcher = (*Client)(nil)

// NewClient builds a Client from cfg.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "parse base url")
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, errors.Errorf("base url %q: scheme must be http or https", cfg.BaseURL)
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}

	transport := cfg.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	var opts []otelhttp.Option
	if cfg.TracerProvider != nil {
		opts = append(opts, otelhttp.WithTracerProvider(cfg.TracerProvider))
	}
	if cfg.MeterProvider != nil {
		opts = append(opts, otelhttp.WithMeterProvider(cfg.MeterProvider))
	}

	c := &Client{
		base:          base,
		maxBody:       cfg.MaxBodyBytes,
		redirectHosts: make(map[string]struct{}, len(cfg.RedirectHosts)),
	}
	for _, h := range cfg.RedirectHosts {
		c.redirectHosts[strings.ToLower(h)] = struct{}{}
	}
	c.http = &http.Client{
		Transport:     otelhttp.NewTransport(transport, opts...),
		Timeout:       cfg.Timeout,
		CheckRedirect: c.checkRedirect,
	}
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return c, nil
}

// checkRedirect keeps redirects on the original host:port or on one of
// RedirectHosts.
func (c *Client) checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return errors.Errorf("stopped after %d redirects", maxRedirects)
	}
	if strings.EqualFold(req.URL.Host, via[0].URL.Host) {
		return nil
	}
	if _, ok := c.redirectHosts[strings.ToLower(req.URL.Hostname())]; ok {
		return nil
	}
	return errors.Errorf("redirect to %s not allowed", req.URL.Host)
}

// Fetch performs GET base+path and returns the body unparsed.
func (c *Client) Fetch(ctx context.Context, path string) (string, error) {
	path = strings.TrimLeft(strings.TrimSpace(path), "/")
	if path == "" {
		return "", ErrEmptyPath
	}

	u := c.base.JoinPath(path)
	body, err := c.get(ctx, u.String())
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// Download fetches an absolute URL, typically a product image, with the
// same error policy as Fetch.
func (c *Client) Download(ctx context.Context, rawURL string) ([]byte, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, &TransportError{URL: rawURL, Err: err}
	}
	if !u.IsAbs() {
		return nil, &TransportError{URL: rawURL, Err: errors.New("url is not absolute")}
	}
	return c.get(ctx, u.String())
}

func (c *Client) get(ctx context.Context, target string) ([]byte, error) {
	lg := zctx.From(ctx)

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, &TransportError{URL: target, Err: errors.Wrap(err, "rate limit")}
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, &TransportError{URL: target, Err: err}
	}
	req.Header.Set("Accept", "application/json, image/*;q=0.9, */*;q=0.8")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &TransportError{URL: target, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Drain a bounded amount so the connection can be reused.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return nil, &TransportError{URL: target, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody+1))
	if err != nil {
		return nil, &TransportError{URL: target, Err: errors.Wrap(err, "read body")}
	}
	if int64(len(body)) > c.maxBody {
		return nil, &TransportError{URL: target, Err: errors.Errorf("response body exceeds %d bytes", c.maxBody)}
	}

	lg.Debug("Fetched",
		zap.String("url", target),
		zap.Int("bytes", len(body)),
		zap.Duration("duration", time.Since(start)),
	)
	return body, nil
}
