// Package braidclient talks Braid-HTTP to a server: plain requests with
// retries, and subscriptions delivered as a stream of updates.
package braidclient

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"gihan9a/braidhttp/pkg/braidproto"
)

const maxErrorBody = 64 << 10

// Config is fixed when the client is created and shared by all of its
// requests.
type Config struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int
	// RetryDelay is the base of the exponential backoff.
	RetryDelay time.Duration
	// RequestTimeout bounds the wait for response headers. Subscription
	// bodies are not bounded by it.
	RequestTimeout      time.Duration
	MaxIdleConnsPerHost int
	MaxConnsPerHost     int
	ProxyURL            *url.URL
	EnableLogging       bool
}

// DefaultConfig returns the default client configuration.
func DefaultConfig() Config {
	return Config{
		MaxRetries:          3,
		RetryDelay:          time.Second,
		RequestTimeout:      30 * time.Second,
		MaxIdleConnsPerHost: 10,
	}
}

// Client issues Braid requests.
type Client struct {
	cfg    Config
	client *retryablehttp.Client
	logger *zap.Logger
	peer   string
}

// Opt configures a Client.
type Opt func(*Client)

// WithLogger sets the logger. Retry attempts are only logged when the
// configuration enables logging.
func WithLogger(logger *zap.Logger) Opt {
	return func(c *Client) { c.logger = logger }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Opt {
	return func(c *Client) { c.client.HTTPClient = hc }
}

// WithPeer sets the Peer sent with requests that do not name one.
func WithPeer(peer string) Opt {
	return func(c *Client) { c.peer = peer }
}

// New returns a client for cfg.
func New(cfg Config, opts ...Opt) *Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConnsPerHost = cfg.MaxIdleConnsPerHost
	transport.MaxConnsPerHost = cfg.MaxConnsPerHost
	transport.ResponseHeaderTimeout = cfg.RequestTimeout
	if cfg.ProxyURL != nil {
		transport.Proxy = http.ProxyURL(cfg.ProxyURL)
	}

	c := &Client{
		cfg: cfg,
		client: &retryablehttp.Client{
			HTTPClient:   &http.Client{Transport: transport},
			RetryMax:     cfg.MaxRetries,
			RetryWaitMin: cfg.RetryDelay,
			RetryWaitMax: ExponentialBackoff(maxBackoffExponent, cfg.RetryDelay),
			Backoff:      backoff,
			CheckRetry:   checkRetry,
			ErrorHandler: errorHandler,
		},
		logger: zap.NewNop(),
		peer:   uuid.NewString(),
	}
	for _, opt := range opts {
		opt(c)
	}

	if cfg.EnableLogging {
		c.client.Logger = &retryableHttpLogger{inner: c.logger}
		c.client.ResponseLogHook = func(_ retryablehttp.Logger, resp *http.Response) {
			c.logger.Debug("response received",
				zap.Stringer("url", resp.Request.URL),
				zap.Int("status", resp.StatusCode),
			)
		}
	} else {
		c.logger = zap.NewNop()
	}
	return c
}

// Peer returns the default peer id of the client.
func (c *Client) Peer() string { return c.peer }

// Request describes one Braid request. Zero values are left out.
type Request struct {
	// Method defaults to GET, or PUT when a body or patches are set.
	Method    string
	Header    http.Header
	Version   braidproto.VersionList
	Parents   braidproto.VersionList
	Subscribe bool
	// Peer defaults to the client's peer id.
	Peer       string
	MergeType  string
	Heartbeats time.Duration
	Body       []byte
	Patches    []braidproto.Patch
}

func (r Request) method() string {
	switch {
	case r.Method != "":
		return r.Method
	case r.Body != nil || len(r.Patches) > 0:
		return http.MethodPut
	}
	return http.MethodGet
}

func (r Request) payload() []byte {
	switch {
	case r.Body != nil:
		return r.Body
	case len(r.Patches) == 1:
		return r.Patches[0].Content
	case len(r.Patches) > 1:
		return braidproto.EncodePatches(r.Patches)
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, rawURL string, r Request) (*retryablehttp.Request, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" || u.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidURL, rawURL)
	}

	var body any
	if payload := r.payload(); payload != nil {
		body = payload
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, r.method(), u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	for name, values := range r.Header {
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}
	if len(r.Version) > 0 {
		req.Header.Set(braidproto.HeaderVersion, braidproto.FormatVersionHeader(r.Version))
	}
	if len(r.Parents) > 0 {
		req.Header.Set(braidproto.HeaderParents, braidproto.FormatVersionHeader(r.Parents))
	}
	if r.Subscribe {
		req.Header.Set(braidproto.HeaderSubscribe, "true")
	}
	peer := r.Peer
	if peer == "" {
		peer = c.peer
	}
	req.Header.Set(braidproto.HeaderPeer, peer)
	if r.MergeType != "" {
		req.Header.Set(braidproto.HeaderMergeType, r.MergeType)
	}
	if r.Heartbeats > 0 {
		req.Header.Set(braidproto.HeaderHeartbeats, braidproto.FormatHeartbeat(r.Heartbeats))
	}
	switch {
	case r.Body != nil:
	case len(r.Patches) == 1:
		p := r.Patches[0]
		req.Header.Set(braidproto.HeaderContentRange, braidproto.FormatContentRange(p.Unit, p.Range))
	case len(r.Patches) > 1:
		req.Header.Set(braidproto.HeaderPatches, strconv.Itoa(len(r.Patches)))
	}
	return req, nil
}

// Response is a completed Braid response. For a subscription (status 209)
// Body is nil and the update stream is read through a Subscription.
type Response struct {
	Status int
	Header http.Header
	// Headers holds the response headers under lowercase names.
	Headers        map[string]string
	Body           []byte
	IsSubscription bool

	stream io.ReadCloser
}

// Close releases the stream of a subscription response.
func (r *Response) Close() error {
	if r.stream == nil {
		return nil
	}
	return r.stream.Close()
}

// Update converts the response into an update.
func (r *Response) Update() (braidproto.Update, error) {
	u := braidproto.Update{
		Status:  r.Status,
		Version: braidproto.ParseVersionHeader(r.Headers["version"]),
		Parents: braidproto.ParseVersionHeader(r.Headers["parents"]),
	}
	if len(u.Version) == 0 {
		u.Version = nil
	}
	if len(u.Parents) == 0 {
		u.Parents = nil
	}
	if mt, ok := r.Headers["merge-type"]; ok {
		u.ExtraHeaders = map[string]string{"merge-type": mt}
	}

	count := 0
	if v, ok := r.Headers["patches"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return u, &braidproto.HeaderParseError{Header: braidproto.HeaderPatches, Value: v, Err: err}
		}
		count = n
	}
	cr, hasRange := r.Headers["content-range"]
	switch {
	case count > 1:
		msgs, err := braidproto.NewParser().Feed(append([]byte("Patches: "+strconv.Itoa(count)+"\r\n\r\n"), r.Body...))
		if err != nil {
			return u, err
		}
		if len(msgs) != 1 {
			return u, fmt.Errorf("%w: incomplete patch body", ErrStream)
		}
		u.Patches = msgs[0].Patches
	case hasRange:
		unit, rng, err := braidproto.ParseContentRange(cr)
		if err != nil {
			return u, err
		}
		u.Patches = []braidproto.Patch{{Unit: unit, Range: rng, Content: r.Body}}
	default:
		u.Body = r.Body
	}
	return u, nil
}

// Fetch sends one request, retrying retryable failures. Statuses of 400 and
// above are returned as *StatusError.
func (c *Client) Fetch(ctx context.Context, rawURL string, r Request) (*Response, error) {
	req, err := c.newRequest(ctx, rawURL, r)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}

	out := &Response{
		Status:         resp.StatusCode,
		Header:         resp.Header,
		Headers:        lowercaseHeaders(resp.Header),
		IsSubscription: resp.StatusCode == braidproto.StatusSubscription,
	}
	if out.IsSubscription {
		out.stream = resp.Body
		return out, nil
	}

	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &StatusError{Code: resp.StatusCode, Header: resp.Header, Body: body, Attempts: 1}
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading body: %w", ErrTransport, err)
	}
	out.Body = body
	return out, nil
}

// Get fetches the current state of a resource.
func (c *Client) Get(ctx context.Context, rawURL string) (braidproto.Update, error) {
	resp, err := c.Fetch(ctx, rawURL, Request{Method: http.MethodGet})
	if err != nil {
		return braidproto.Update{}, err
	}
	defer resp.Close()
	return resp.Update()
}

// Put sends an update to a resource and returns the server's answer, which
// carries the resulting version.
func (c *Client) Put(ctx context.Context, rawURL string, u braidproto.Update) (*Response, error) {
	r := Request{
		Method:  http.MethodPut,
		Version: u.Version,
		Parents: u.Parents,
		Body:    u.Body,
		Patches: u.Patches,
	}
	if len(u.ExtraHeaders) > 0 {
		r.Header = make(http.Header, len(u.ExtraHeaders))
		for name, value := range u.ExtraHeaders {
			r.Header.Set(name, value)
		}
	}
	if u.Body == nil && len(u.Patches) == 0 {
		r.Body = []byte{}
	}
	return c.Fetch(ctx, rawURL, r)
}

func lowercaseHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for name, values := range h {
		out[strings.ToLower(name)] = strings.Join(values, ", ")
	}
	return out
}
