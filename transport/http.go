package transport

import (
	"context"
	"fmt"
	"net/http"
	"time"

	progress "github.com/always-cache/image-cache/pkg/progress-reader"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"
)

// DefaultMaxActiveDownloads is the number of fetches running at the same time
// unless configured otherwise. Further fetches wait for a free slot.
const DefaultMaxActiveDownloads = 4

// HTTP is a Transport fetching locators with HTTP GET requests.
type HTTP struct {
	client    *http.Client
	slots     *semaphore.Weighted
	userAgent string
	log       zerolog.Logger
}

var _ Transport = (*HTTP)(nil)

// HTTPOption configures an HTTP transport.
type HTTPOption func(*httpConfig)

type httpConfig struct {
	client             *http.Client
	maxActiveDownloads int
	timeout            time.Duration
	userAgent          string
	log                *zerolog.Logger
}

// WithClient sets the HTTP client. http.DefaultClient is used by default.
func WithClient(c *http.Client) HTTPOption {
	return func(h *httpConfig) {
		h.client = c
	}
}

// WithMaxActiveDownloads limits the number of concurrent fetches.
// Values < 1 use DefaultMaxActiveDownloads.
func WithMaxActiveDownloads(n int) HTTPOption {
	return func(h *httpConfig) {
		h.maxActiveDownloads = n
	}
}

// WithTimeout sets a timeout per fetch, including reading the body.
// The time spent waiting for a download slot is not included.
func WithTimeout(d time.Duration) HTTPOption {
	return func(h *httpConfig) {
		h.timeout = d
	}
}

// WithUserAgent sets the User-Agent header of every request.
func WithUserAgent(ua string) HTTPOption {
	return func(h *httpConfig) {
		h.userAgent = ua
	}
}

// WithLogger sets the logger. The global zerolog logger is used by default.
func WithLogger(l zerolog.Logger) HTTPOption {
	return func(h *httpConfig) {
		h.log = &l
	}
}

// NewHTTP creates an HTTP transport.
func NewHTTP(opts ...HTTPOption) *HTTP {
	cfg := httpConfig{}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	if cfg.maxActiveDownloads < 1 {
		cfg.maxActiveDownloads = DefaultMaxActiveDownloads
	}
	client := cfg.client
	if client == nil {
		client = http.DefaultClient
	}
	if cfg.timeout > 0 {
		c := *client
		c.Timeout = cfg.timeout
		client = &c
	}
	logger := log.Logger
	if cfg.log != nil {
		logger = *cfg.log
	}
	return &HTTP{
		client:    client,
		slots:     semaphore.NewWeighted(int64(cfg.maxActiveDownloads)),
		userAgent: cfg.userAgent,
		log:       logger.With().Str("transport", "http").Logger(),
	}
}

// Fetch starts a GET request for the locator in a new goroutine.
// Canceling the handle cancels the request context.
func (h *HTTP) Fetch(locator string, onProgress ProgressFunc, onComplete CompletionFunc) Handle {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		defer cancel()
		body, err := h.fetch(ctx, locator, onProgress)
		if err != nil {
			h.log.Debug().Err(err).Str("url", locator).Msg("Fetch did not complete")
		}
		onComplete(body, err)
	}()
	return HandleFunc(cancel)
}

func (h *HTTP) fetch(ctx context.Context, locator string, onProgress ProgressFunc) ([]byte, error) {
	if err := h.slots.Acquire(ctx, 1); err != nil {
		return nil, Canceled(locator)
	}
	defer h.slots.Release(1)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, locator, nil)
	if err != nil {
		return nil, Failure(locator, 0, err)
	}
	if h.userAgent != "" {
		req.Header.Set("User-Agent", h.userAgent)
	}
	h.log.Trace().Str("url", locator).Msg("Requesting resource")

	res, err := h.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, Canceled(locator)
		}
		return nil, Failure(locator, 0, err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode > 299 {
		return nil, Failure(locator, res.StatusCode, fmt.Errorf("unexpected status %s", res.Status))
	}

	body, err := progress.NewReader(res.Body, res.ContentLength, onProgress).ReadAll()
	if ctx.Err() != nil {
		return nil, Canceled(locator)
	}
	if err != nil {
		return nil, Failure(locator, res.StatusCode, err)
	}
	h.log.Trace().Str("url", locator).Int("bytes", len(body)).Msg("Received resource")
	return body, nil
}
