package imagecache

import (
	"fmt"
	"sync"
	"time"

	cachekey "github.com/always-cache/image-cache/pkg/cache-key"
	"github.com/always-cache/image-cache/transport"

	"github.com/rs/zerolog"
)

// State of a coordinator.
type State int

const (
	StateIdle State = iota
	StateFetching
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFetching:
		return "fetching"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// flow is a single public request. A pair request spans two stages.
type flow[R any] struct {
	generation uint64
	opts       requestOptions[R]
	recovering bool
	// placeholder already applied, guarded by the coordinator mutex
	placed     bool
	once       sync.Once
	onComplete Completion[R]
}

func (f *flow[R]) finish(res Result[R]) {
	f.once.Do(func() {
		if f.recovering {
			res.Recovered = true
		}
		if f.onComplete != nil {
			f.onComplete(res)
		}
	})
}

// fetchRequest is one outstanding transport call.
type fetchRequest[R any] struct {
	id       uint64
	flow     *flow[R]
	key      cachekey.Key
	stage    Stage
	next     func(Result[R])
	issuedAt time.Time
	handle   transport.Handle
	canceled bool
	once     sync.Once
}

// cancel marks the request as canceled and returns its handle,
// which is nil if the fetch has not been issued yet.
// Must be called with the coordinator mutex held.
func (r *fetchRequest[R]) cancel() transport.Handle {
	r.canceled = true
	return r.handle
}

// Coordinator serializes the requests of a single consumer.
//
// At most one fetch is outstanding at any time. A new request supersedes the
// outstanding one: its handle is canceled and its completion is reported as
// CodeCanceled. Completions of superseded fetches never reach the cache.
//
// All methods are safe for concurrent use. Completion callbacks are invoked
// without any lock held, either synchronously (cache hits) or on a transport
// goroutine.
type Coordinator[R any] struct {
	owner *ImageCache[R]
	log   zerolog.Logger

	mutex         sync.Mutex
	active        *fetchRequest[R]
	lastID        uint64
	generation    uint64
	lastPrimary   cachekey.Key
	lastSecondary cachekey.Key
	current       R
	hasCurrent    bool
}

// Request delivers the resource for the key to onComplete.
//
// A cached resource is delivered synchronously and refreshed in the background.
// Otherwise the resource is fetched, stored in the cache and delivered once
// the fetch completes.
func (c *Coordinator[R]) Request(key cachekey.Key, onComplete Completion[R], opts ...RequestOption[R]) {
	c.log.Trace().Str("key", key.String()).Msg("Request")
	c.startSingle(c.newFlow(onComplete, opts, false), key)
}

// RequestURL is Request for a raw URL.
// Invalid URLs are rejected without issuing a request.
func (c *Coordinator[R]) RequestURL(rawURL string, onComplete Completion[R], opts ...RequestOption[R]) error {
	key, err := cachekey.Parse(rawURL)
	if err != nil {
		return err
	}
	c.Request(key, onComplete, opts...)
	return nil
}

// RequestPair loads a thumbnail first and the full resource after it.
//
// The thumbnail result is passed to the WithStage option; onComplete receives
// the full resource, or the thumbnail result if that was not a success.
// If the full resource is cached, the thumbnail is skipped.
func (c *Coordinator[R]) RequestPair(thumb, full cachekey.Key, onComplete Completion[R], opts ...RequestOption[R]) {
	c.log.Trace().Str("thumb", thumb.String()).Str("full", full.String()).Msg("Request pair")
	c.startPair(c.newFlow(onComplete, opts, false), thumb, full)
}

// RequestPairURL is RequestPair for raw URLs.
func (c *Coordinator[R]) RequestPairURL(thumbURL, fullURL string, onComplete Completion[R], opts ...RequestOption[R]) error {
	thumb, err := cachekey.Parse(thumbURL)
	if err != nil {
		return err
	}
	full, err := cachekey.Parse(fullURL)
	if err != nil {
		return err
	}
	c.RequestPair(thumb, full, onComplete, opts...)
	return nil
}

// Recover requests the last successfully loaded resource (or pair) again.
// It returns false, without calling onComplete, if nothing was loaded yet.
func (c *Coordinator[R]) Recover(onComplete Completion[R], opts ...RequestOption[R]) bool {
	primary, secondary, ok := c.LastSuccessful()
	if !ok {
		return false
	}
	c.launch(c.newFlow(onComplete, opts, true), primary, secondary)
	return true
}

// Cancel cancels the outstanding request, if any.
// Its completion callback receives CodeCanceled.
func (c *Coordinator[R]) Cancel() {
	c.mutex.Lock()
	c.generation++
	prev, handle := c.supersede()
	c.mutex.Unlock()
	c.cancelPrevious(prev, handle)
}

// State returns StateFetching while a fetch is outstanding.
func (c *Coordinator[R]) State() State {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.active != nil {
		return StateFetching
	}
	return StateIdle
}

// Active returns the key of the outstanding fetch.
func (c *Coordinator[R]) Active() (cachekey.Key, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.active == nil {
		return cachekey.Key{}, false
	}
	return c.active.key, true
}

// Current returns the resource last delivered by this coordinator,
// or the placeholder of the outstanding request.
func (c *Coordinator[R]) Current() (R, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.current, c.hasCurrent
}

// LastSuccessful returns the keys of the last successful request.
// For pairs, primary is the thumbnail and secondary the full resource;
// for single requests secondary is the zero key.
func (c *Coordinator[R]) LastSuccessful() (primary, secondary cachekey.Key, ok bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.lastPrimary, c.lastSecondary, !c.lastPrimary.IsZero()
}

func (c *Coordinator[R]) newFlow(onComplete Completion[R], opts []RequestOption[R], recovering bool) *flow[R] {
	c.mutex.Lock()
	c.generation++
	generation := c.generation
	c.mutex.Unlock()
	return &flow[R]{
		generation: generation,
		opts:       buildRequestOptions(opts),
		recovering: recovering,
		onComplete: onComplete,
	}
}

func (c *Coordinator[R]) launch(f *flow[R], primary, secondary cachekey.Key) {
	if secondary.IsZero() {
		c.startSingle(f, primary)
	} else {
		c.startPair(f, primary, secondary)
	}
}

func (c *Coordinator[R]) startSingle(f *flow[R], key cachekey.Key) {
	c.start(f, key, StageFinal, func(res Result[R]) {
		if res.Code == CodeSuccess {
			c.recordSuccess(key, cachekey.Key{})
		}
		f.finish(res)
	})
}

func (c *Coordinator[R]) startPair(f *flow[R], thumb, full cachekey.Key) {
	finishFull := func(res Result[R]) {
		if res.Code == CodeSuccess {
			c.recordSuccess(thumb, full)
		}
		f.finish(res)
	}
	if _, ok := c.owner.cache.Lookup(full); ok {
		c.owner.revalidate(thumb)
		c.start(f, full, StageFinal, finishFull)
		return
	}
	c.start(f, thumb, StageThumbnail, func(res Result[R]) {
		if res.Code != CodeSuccess {
			f.finish(res)
			return
		}
		if f.opts.stage != nil {
			f.opts.stage(res)
		}
		c.start(f, full, StageFinal, finishFull)
	})
}

// start serves one stage of a flow from the cache, or issues its fetch.
// A flow that was superseded before the stage started gets CodeCanceled.
func (c *Coordinator[R]) start(f *flow[R], key cachekey.Key, stage Stage, next func(Result[R])) {
	if resource, ok := c.owner.cache.Lookup(key); ok {
		c.mutex.Lock()
		if c.generation != f.generation {
			c.mutex.Unlock()
			next(canceledResult[R](key, stage))
			return
		}
		prev, handle := c.supersede()
		c.setCurrent(resource)
		c.mutex.Unlock()
		c.cancelPrevious(prev, handle)

		c.log.Trace().Str("key", key.String()).Msg("Cache hit")
		c.owner.revalidate(key)
		next(Result[R]{Code: CodeSuccess, Key: key, Stage: stage, Resource: resource, FromCache: true})
		return
	}

	c.mutex.Lock()
	if c.generation != f.generation {
		c.mutex.Unlock()
		next(canceledResult[R](key, stage))
		return
	}
	prev, handle := c.supersede()
	c.lastID++
	req := &fetchRequest[R]{
		id:       c.lastID,
		flow:     f,
		key:      key,
		stage:    stage,
		next:     next,
		issuedAt: time.Now(),
	}
	c.active = req
	if f.opts.hasPlaceholder && !f.placed {
		f.placed = true
		c.setCurrent(f.opts.placeholder)
	}
	c.mutex.Unlock()
	c.cancelPrevious(prev, handle)

	c.log.Trace().Str("key", key.String()).Uint64("request", req.id).Msg("Fetching resource")
	issued := c.owner.transport.Fetch(key.Locator, f.opts.progress, func(body []byte, err error) {
		c.complete(req, body, err)
	})

	// the request may have been superseded while the fetch was issued
	c.mutex.Lock()
	req.handle = issued
	canceled := req.canceled
	c.mutex.Unlock()
	if canceled && issued != nil {
		issued.Cancel()
	}
}

// supersede detaches the outstanding request.
// Must be called with the mutex held.
func (c *Coordinator[R]) supersede() (*fetchRequest[R], transport.Handle) {
	prev := c.active
	if prev == nil {
		return nil, nil
	}
	c.active = nil
	return prev, prev.cancel()
}

func (c *Coordinator[R]) cancelPrevious(prev *fetchRequest[R], handle transport.Handle) {
	if prev == nil {
		return
	}
	c.log.Trace().Str("key", prev.key.String()).Uint64("request", prev.id).Msg("Canceling superseded request")
	if handle != nil {
		handle.Cancel()
	}
	c.owner.warm(prev.key)
}

// complete handles the transport completion of a request.
// Only the first completion of a request is handled.
func (c *Coordinator[R]) complete(req *fetchRequest[R], body []byte, err error) {
	req.once.Do(func() {
		c.handleCompletion(req, body, err)
	})
}

func (c *Coordinator[R]) handleCompletion(req *fetchRequest[R], body []byte, err error) {
	c.mutex.Lock()
	isActive := c.active == req
	if isActive {
		c.active = nil
	}
	canceled := req.canceled
	c.mutex.Unlock()

	log := c.log.With().
		Str("key", req.key.String()).
		Uint64("request", req.id).
		Dur("elapsed", time.Since(req.issuedAt)).
		Logger()

	switch {
	case !isActive || canceled:
		// stale completion, the result is disregarded
		log.Debug().Msg("Request canceled")
		req.next(canceledResult[R](req.key, req.stage))
	case transport.IsCanceled(err):
		if c.recoverFlow(req.flow) {
			log.Debug().Msg("Request canceled by transport, recovering last successful request")
			return
		}
		log.Debug().Msg("Request canceled by transport")
		req.next(canceledResult[R](req.key, req.stage))
	case err != nil:
		log.Warn().Err(err).Msg("Request failed")
		req.next(failedResult[R](req.key, req.stage, err))
	default:
		resource, size, err := c.owner.decodeBody(req.key, body)
		if err != nil {
			log.Warn().Err(err).Msg("Could not decode resource")
			req.next(failedResult[R](req.key, req.stage, err))
			return
		}
		c.owner.cache.Insert(req.key, resource, size)
		c.mutex.Lock()
		if c.generation == req.flow.generation {
			c.setCurrent(resource)
		}
		c.mutex.Unlock()
		log.Debug().Uint64("size", size).Msg("Request completed")
		req.next(Result[R]{Code: CodeSuccess, Key: req.key, Stage: req.stage, Resource: resource})
	}
}

// recoverFlow re-requests the last successful locators for a flow whose
// fetch was canceled by the transport. The outcome is delivered to the flow.
// A flow is recovered at most once, and only while no newer request exists.
func (c *Coordinator[R]) recoverFlow(f *flow[R]) bool {
	if !c.owner.recover || f.recovering {
		return false
	}
	c.mutex.Lock()
	primary, secondary := c.lastPrimary, c.lastSecondary
	current := c.generation == f.generation
	c.mutex.Unlock()
	if primary.IsZero() || !current {
		return false
	}
	recovery := &flow[R]{
		generation: f.generation,
		opts:       requestOptions[R]{progress: f.opts.progress},
		recovering: true,
		onComplete: f.finish,
	}
	c.launch(recovery, primary, secondary)
	return true
}

// Must be called with the mutex held.
func (c *Coordinator[R]) setCurrent(resource R) {
	c.current = resource
	c.hasCurrent = true
}

func (c *Coordinator[R]) recordSuccess(primary, secondary cachekey.Key) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.lastPrimary = primary
	c.lastSecondary = secondary
}
