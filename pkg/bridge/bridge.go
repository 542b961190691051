package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/time/rate"

	"github.com/fullctl/aaactl-sub000/pkg/observability"
)

var (
	// ErrUnknownComponent is returned for a component without a configured URL
	ErrUnknownComponent = errors.New("unknown service component")
	// ErrObjectNotFound is returned when a service does not know an object
	ErrObjectNotFound = errors.New("component object not found")
)

// Config configures a Client
type Config struct {
	// URLs maps component names (peerctl, ixctl, ...) to service base URLs
	URLs map[string]string

	// Client credentials; requests are unauthenticated when ClientID is empty
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       []string

	Timeout time.Duration
	// RateLimit is the request rate per component per second; zero disables
	RateLimit float64
	Burst     int
	CacheTTL  time.Duration
	CacheSize int
}

// DefaultConfig returns the default bridge configuration
func DefaultConfig() Config {
	return Config{
		URLs:      map[string]string{},
		Timeout:   10 * time.Second,
		RateLimit: 10,
		Burst:     5,
		CacheTTL:  time.Minute,
		CacheSize: 1024,
	}
}

type cached struct {
	usage *float64
	name  string
}

// Client queries fullctl services for product usage and component objects
type Client struct {
	cfg      Config
	http     *http.Client
	limiters map[string]*rate.Limiter
	cache    *expirable.LRU[string, cached]
	logger   *observability.Logger
	metrics  *observability.Metrics
}

// Option configures a Client
type Option func(*Client)

// WithLogger sets the client logger
func WithLogger(logger *observability.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithMetrics sets the client metrics
func WithMetrics(m *observability.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// New creates a client. ctx scopes the token source.
func New(ctx context.Context, cfg Config, opts ...Option) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = DefaultConfig().CacheSize
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}

	base := &http.Client{
		Timeout:   cfg.Timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
	httpClient := base
	if cfg.ClientID != "" {
		cc := &clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
			Scopes:       cfg.Scopes,
		}
		httpClient = cc.Client(context.WithValue(ctx, oauth2.HTTPClient, base))
		httpClient.Timeout = cfg.Timeout
	}

	c := &Client{
		cfg:      cfg,
		http:     httpClient,
		limiters: make(map[string]*rate.Limiter, len(cfg.URLs)),
	}
	for component := range cfg.URLs {
		limit := rate.Inf
		if cfg.RateLimit > 0 {
			limit = rate.Limit(cfg.RateLimit)
		}
		c.limiters[component] = rate.NewLimiter(limit, cfg.Burst)
	}
	if cfg.CacheTTL > 0 {
		c.cache = expirable.NewLRU[string, cached](cfg.CacheSize, nil, cfg.CacheTTL)
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = observability.OrDefault(c.logger).WithField("component", "bridge")
	return c
}

// Components returns the configured component names
func (c *Client) Components() []string {
	out := make([]string, 0, len(c.cfg.URLs))
	for name := range c.cfg.URLs {
		out = append(out, name)
	}
	return out
}

type usageResponse struct {
	Data []struct {
		Product string   `json:"product"`
		Usage   *float64 `json:"usage"`
	} `json:"data"`
}

type objectResponse struct {
	Data []struct {
		ID   int64  `json:"id"`
		Name string `json:"name"`
	} `json:"data"`
}

// Usage returns the usage of product by orgID reported by component. A nil
// value means the service reported nothing for the product.
func (c *Client) Usage(ctx context.Context, orgID int64, component, product string) (*float64, error) {
	key := fmt.Sprintf("usage:%d:%s:%s", orgID, component, product)
	if hit, ok := c.cached(key); ok {
		return hit.usage, nil
	}

	q := url.Values{}
	q.Set("org", strconv.FormatInt(orgID, 10))
	q.Set("product", product)

	var resp usageResponse
	found, err := c.get(ctx, component, "usage", "/api/billing/usage", q, &resp)
	if err != nil {
		return nil, err
	}

	var usage *float64
	if found {
		for _, row := range resp.Data {
			if row.Product == "" || row.Product == product {
				usage = row.Usage
				break
			}
		}
	}
	c.store(key, cached{usage: usage})
	return usage, nil
}

// LookupObject returns the display name of objectID in component
func (c *Client) LookupObject(ctx context.Context, orgID int64, component string, objectID int64) (string, error) {
	key := fmt.Sprintf("object:%d:%s:%d", orgID, component, objectID)
	if hit, ok := c.cached(key); ok {
		return hit.name, nil
	}

	q := url.Values{}
	q.Set("org", strconv.FormatInt(orgID, 10))

	var resp objectResponse
	found, err := c.get(ctx, component, "lookup", "/api/billing/object/"+strconv.FormatInt(objectID, 10), q, &resp)
	if err != nil {
		return "", err
	}
	if !found || len(resp.Data) == 0 {
		return "", fmt.Errorf("%w: %s object %d", ErrObjectNotFound, component, objectID)
	}

	name := resp.Data[0].Name
	c.store(key, cached{name: name})
	return name, nil
}

func (c *Client) cached(key string) (cached, bool) {
	if c.cache == nil {
		return cached{}, false
	}
	return c.cache.Get(key)
}

func (c *Client) store(key string, v cached) {
	if c.cache != nil {
		c.cache.Add(key, v)
	}
}

// get performs a GET against component. It reports false for 404 responses.
func (c *Client) get(ctx context.Context, component, op, path string, query url.Values, out interface{}) (found bool, err error) {
	base, ok := c.cfg.URLs[component]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownComponent, component)
	}

	start := time.Now()
	defer func() { c.metrics.RecordBridgeRequest(component, op, time.Since(start), err) }()

	if err := c.limiters[component].Wait(ctx); err != nil {
		return false, fmt.Errorf("rate limit wait for %s: %w", component, err)
	}

	target := strings.TrimRight(base, "/") + path + "?" + query.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return false, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return false, fmt.Errorf("%s %s: %w", component, op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return false, nil
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return false, fmt.Errorf("failed to read %s response: %w", component, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.WithFields(map[string]interface{}{
			"service": component,
			"status":  resp.StatusCode,
		}).Warn("Service request failed")
		return false, fmt.Errorf("%s %s returned status %d", component, op, resp.StatusCode)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("failed to decode %s response: %w", component, err)
	}
	return true, nil
}
