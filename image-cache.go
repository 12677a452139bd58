package imagecache

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/always-cache/image-cache/cache"
	cachekey "github.com/always-cache/image-cache/pkg/cache-key"
	"github.com/always-cache/image-cache/transport"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

var (
	ErrMissingTransport = errors.New("transport is required")
	ErrMissingDecoder   = errors.New("decoder is required for non-byte resources")
)

// Decoder converts fetched bytes into the cached resource, e.g. an image.
type Decoder[R any] func(body []byte) (R, error)

// Sizer returns the memory size of a decoded resource.
type Sizer[R any] func(resource R, body []byte) uint64

// DecodeBytes is the Decoder for caches of raw bytes.
func DecodeBytes(body []byte) ([]byte, error) {
	return body, nil
}

// BodySize is the default Sizer: the size of the fetched bytes.
func BodySize[R any](_ R, body []byte) uint64 {
	return uint64(len(body))
}

type Config[R any] struct {
	// Storage for resources.
	// A MemCache with the default capacity and purge target is used if nil.
	Cache cache.Provider[R]
	// Transport used for fetching resources.
	Transport transport.Transport
	// Decoder for fetched bytes. Optional if R is []byte.
	Decoder Decoder[R]
	// Optional function calculating the cached size of a resource.
	// Defaults to the number of fetched bytes.
	Sizer Sizer[R]
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
	// Disable the background refresh of cached resources on cache hits.
	DisableRevalidation bool
	// Disable re-requesting the last successful locators when the transport
	// cancels a request on its own.
	DisableRecovery bool
	// Fetch superseded requests in the background anyway, so that their
	// resources end up in the cache.
	WarmSuperseded bool
}

// ImageCache couples a cache with a transport.
// It is safe for concurrent use; consumers each get their own Coordinator.
type ImageCache[R any] struct {
	cache          cache.Provider[R]
	transport      transport.Transport
	decode         Decoder[R]
	size           Sizer[R]
	log            zerolog.Logger
	revalidateHits bool
	recover        bool
	warmSuperseded bool
	refreshGroup   singleflight.Group
	coordinators   atomic.Uint64
}

// CreateCache initializes the image cache instance.
func CreateCache[R any](config Config[R]) (*ImageCache[R], error) {
	if config.Transport == nil {
		return nil, ErrMissingTransport
	}
	decode := config.Decoder
	if decode == nil {
		d, ok := any(Decoder[[]byte](DecodeBytes)).(Decoder[R])
		if !ok {
			return nil, ErrMissingDecoder
		}
		decode = d
	}
	size := config.Sizer
	if size == nil {
		size = BodySize[R]
	}

	// use console logger if not specified in config
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}

	provider := config.Cache
	if provider == nil {
		provider = cache.NewDefaultMemCache[R](cache.WithLogger(logger))
	}

	return &ImageCache[R]{
		cache:          provider,
		transport:      config.Transport,
		decode:         decode,
		size:           size,
		log:            logger,
		revalidateHits: !config.DisableRevalidation,
		recover:        !config.DisableRecovery,
		warmSuperseded: config.WarmSuperseded,
	}, nil
}

// Cache returns the underlying cache provider.
func (a *ImageCache[R]) Cache() cache.Provider[R] {
	return a.cache
}

// Configure sets the capacity and purge target of the cache.
func (a *ImageCache[R]) Configure(capacityBytes, purgeTargetBytes uint64) error {
	if err := a.cache.Configure(capacityBytes, purgeTargetBytes); err != nil {
		a.log.Warn().Err(err).Msg("Rejected cache configuration")
		return err
	}
	return nil
}

// Stats returns the cache stats.
func (a *ImageCache[R]) Stats() cache.Stats {
	return a.cache.Stats()
}

// Remove deletes the cached resource for the key.
func (a *ImageCache[R]) Remove(key cachekey.Key) {
	a.log.Trace().Str("key", key.String()).Msg("Removing resource")
	a.cache.Remove(key)
}

// NewCoordinator returns a coordinator for a single consumer, e.g. one view.
func (a *ImageCache[R]) NewCoordinator() *Coordinator[R] {
	id := a.coordinators.Add(1)
	return &Coordinator[R]{
		owner: a,
		log:   a.log.With().Uint64("coordinator", id).Logger(),
	}
}

// decodeBody decodes fetched bytes and sizes the result.
// Decoding errors are transport failures for the locator.
func (a *ImageCache[R]) decodeBody(key cachekey.Key, body []byte) (R, uint64, error) {
	resource, err := a.decode(body)
	if err != nil {
		var zero R
		return zero, 0, transport.Failure(key.Locator, 0, fmt.Errorf("decode: %w", err))
	}
	return resource, a.size(resource, body), nil
}
