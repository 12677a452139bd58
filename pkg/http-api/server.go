// Package httpapi exposes an image cache of raw image bytes over HTTP.
//
// Every consumer (the consumer query parameter) gets its own coordinator, so
// a new request of a consumer supersedes its outstanding one.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	imagecache "github.com/always-cache/image-cache"
	"github.com/always-cache/image-cache/cache"
	cachekey "github.com/always-cache/image-cache/pkg/cache-key"
	"github.com/always-cache/image-cache/transport"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultConsumer is used for requests without a consumer parameter.
const DefaultConsumer = "default"

type Server struct {
	images *imagecache.ImageCache[[]byte]
	router chi.Router
	log    zerolog.Logger

	mutex     sync.Mutex
	consumers map[string]*imagecache.Coordinator[[]byte]
}

type Option func(*Server)

func WithLogger(l zerolog.Logger) Option {
	return func(s *Server) {
		s.log = l
	}
}

// New returns the HTTP handler for the image cache.
func New(images *imagecache.ImageCache[[]byte], opts ...Option) *Server {
	s := &Server{
		images:    images,
		log:       log.Logger,
		consumers: map[string]*imagecache.Coordinator[[]byte]{},
	}
	for _, opt := range opts {
		opt(s)
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)
	r.Get("/image", s.getImage)
	r.Delete("/image", s.deleteImage)
	r.Get("/pair", s.getPair)
	r.Get("/stats", s.getStats)
	r.Put("/config", s.putConfig)
	r.Route("/consumers/{consumer}", func(r chi.Router) {
		r.Get("/", s.getConsumer)
		r.Post("/cancel", s.cancelConsumer)
		r.Post("/recover", s.recoverConsumer)
	})
	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) getImage(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	key, err := cachekey.Parse(q.Get("url"), q.Get("id"))
	if err != nil {
		writeInvalid(w, err)
		return
	}
	c := s.coordinator(q.Get("consumer"))
	res := await(r.Context(), c, func(done imagecache.Completion[[]byte]) {
		c.Request(key, done)
	})
	s.writeResult(w, res)
}

func (s *Server) getPair(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	thumb, err := cachekey.Parse(q.Get("thumb"))
	if err != nil {
		writeInvalid(w, err)
		return
	}
	full, err := cachekey.Parse(q.Get("full"))
	if err != nil {
		writeInvalid(w, err)
		return
	}
	c := s.coordinator(q.Get("consumer"))
	res := await(r.Context(), c, func(done imagecache.Completion[[]byte]) {
		c.RequestPair(thumb, full, done)
	})
	s.writeResult(w, res)
}

func (s *Server) deleteImage(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	key, err := cachekey.Parse(q.Get("url"), q.Get("id"))
	if err != nil {
		writeInvalid(w, err)
		return
	}
	s.images.Remove(key)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.images.Stats())
}

type configRequest struct {
	CapacityBytes    *uint64 `json:"capacityBytes"`
	PurgeTargetBytes *uint64 `json:"purgeTargetBytes"`
}

// putConfig reconfigures the cache. Omitted values are left unchanged.
func (s *Server) putConfig(w http.ResponseWriter, r *http.Request) {
	var req configRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid config: %s", err), http.StatusBadRequest)
		return
	}
	stats := s.images.Stats()
	capacity, target := stats.CapacityBytes, stats.PurgeTargetBytes
	if req.CapacityBytes != nil {
		capacity = *req.CapacityBytes
	}
	if req.PurgeTargetBytes != nil {
		target = *req.PurgeTargetBytes
	}
	if err := s.images.Configure(capacity, target); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, cache.ErrInvalidConfiguration) {
			status = http.StatusBadRequest
		}
		http.Error(w, err.Error(), status)
		return
	}
	writeJSON(w, http.StatusOK, s.images.Stats())
}

type consumerState struct {
	State         string `json:"state"`
	Active        string `json:"active,omitempty"`
	LastPrimary   string `json:"lastPrimary,omitempty"`
	LastSecondary string `json:"lastSecondary,omitempty"`
}

func (s *Server) getConsumer(w http.ResponseWriter, r *http.Request) {
	c := s.coordinator(chi.URLParam(r, "consumer"))
	state := consumerState{State: c.State().String()}
	if active, ok := c.Active(); ok {
		state.Active = active.String()
	}
	if primary, secondary, ok := c.LastSuccessful(); ok {
		state.LastPrimary = primary.String()
		state.LastSecondary = secondary.String()
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) cancelConsumer(w http.ResponseWriter, r *http.Request) {
	s.coordinator(chi.URLParam(r, "consumer")).Cancel()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) recoverConsumer(w http.ResponseWriter, r *http.Request) {
	c := s.coordinator(chi.URLParam(r, "consumer"))
	recovered := false
	res := await(r.Context(), c, func(done imagecache.Completion[[]byte]) {
		if recovered = c.Recover(done); !recovered {
			done(imagecache.Result[[]byte]{})
		}
	})
	if !recovered {
		http.Error(w, "nothing to recover", http.StatusNotFound)
		return
	}
	s.writeResult(w, res)
}

// coordinator returns the coordinator of the consumer, creating it if needed.
func (s *Server) coordinator(consumer string) *imagecache.Coordinator[[]byte] {
	if consumer == "" {
		consumer = DefaultConsumer
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()
	c, ok := s.consumers[consumer]
	if !ok {
		c = s.images.NewCoordinator()
		s.consumers[consumer] = c
		s.log.Debug().Str("consumer", consumer).Msg("New consumer")
	}
	return c
}

// await starts a request and waits for its result.
// If the client goes away first, the consumer's request is canceled.
func await(ctx context.Context, c *imagecache.Coordinator[[]byte], start func(imagecache.Completion[[]byte])) imagecache.Result[[]byte] {
	done := make(chan imagecache.Result[[]byte], 1)
	start(func(res imagecache.Result[[]byte]) {
		done <- res
	})
	select {
	case res := <-done:
		return res
	case <-ctx.Done():
	}
	select {
	case res := <-done:
		return res
	default:
		c.Cancel()
		return <-done
	}
}

func (s *Server) writeResult(w http.ResponseWriter, res imagecache.Result[[]byte]) {
	status := statusFor(res)
	w.Header().Set(StatusHeader, status.String())

	switch res.Code {
	case imagecache.CodeSuccess:
		w.Header().Set("Content-Type", http.DetectContentType(res.Resource))
		w.Header().Set("Content-Length", fmt.Sprint(len(res.Resource)))
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write(res.Resource); err != nil {
			s.log.Debug().Err(err).Msg("Could not write response")
		}
	case imagecache.CodeCanceled:
		http.Error(w, "request canceled", http.StatusConflict)
	default:
		msg := "fetch failed"
		var te *transport.Error
		if errors.As(res.Err, &te) && te.StatusCode != 0 {
			msg = fmt.Sprintf("fetch failed with origin status %d", te.StatusCode)
		}
		http.Error(w, msg, http.StatusBadGateway)
	}
}

func writeInvalid(w http.ResponseWriter, err error) {
	status := CacheStatus{}
	status.Forward(CacheStatusFwdBypass)
	status.Detail("invalid-locator")
	w.Header().Set(StatusHeader, status.String())
	http.Error(w, err.Error(), http.StatusBadRequest)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Trace().
			Str("method", r.Method).
			Str("url", r.URL.String()).
			Int("status", ww.Status()).
			Str("cacheStatus", ww.Header().Get(StatusHeader)).
			Dur("elapsed", time.Since(start)).
			Msg("Handled request")
	})
}
