package imagecache

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/always-cache/image-cache/transport"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// fakeFetch is a fetch issued to a fakeTransport.
// Tests complete it with deliver.
type fakeFetch struct {
	locator      string
	onProgress   transport.ProgressFunc
	onComplete   transport.CompletionFunc
	ignoreCancel bool
	canceled     atomic.Bool
	once         sync.Once
}

func (f *fakeFetch) deliver(body []byte, err error) {
	f.once.Do(func() {
		f.onComplete(body, err)
	})
}

func (f *fakeFetch) succeed(body string) {
	f.deliver([]byte(body), nil)
}

func (f *fakeFetch) fail(status int) {
	f.deliver(nil, transport.Failure(f.locator, status, nil))
}

// abort cancels the fetch on the transport side.
func (f *fakeFetch) abort() {
	f.deliver(nil, transport.Canceled(f.locator))
}

func (f *fakeFetch) Cancel() {
	f.canceled.Store(true)
	if !f.ignoreCancel {
		f.abort()
	}
}

// fakeTransport records fetches. Locators with a body are answered right
// away on a new goroutine, all others stay pending.
type fakeTransport struct {
	mutex        sync.Mutex
	bodies       map[string][]byte
	fetches      []*fakeFetch
	ignoreCancel bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{bodies: map[string][]byte{}}
}

func (t *fakeTransport) Fetch(locator string, onProgress transport.ProgressFunc, onComplete transport.CompletionFunc) transport.Handle {
	f := &fakeFetch{
		locator:    locator,
		onProgress: onProgress,
		onComplete: onComplete,
	}
	t.mutex.Lock()
	f.ignoreCancel = t.ignoreCancel
	t.fetches = append(t.fetches, f)
	body, ok := t.bodies[locator]
	t.mutex.Unlock()
	if ok {
		go f.deliver(body, nil)
	}
	return f
}

func (t *fakeTransport) serve(locator, body string) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.bodies[locator] = []byte(body)
}

func (t *fakeTransport) count(locator string) int {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	n := 0
	for _, f := range t.fetches {
		if f.locator == locator {
			n++
		}
	}
	return n
}

// last returns the most recent fetch of the locator.
func (t *fakeTransport) last(tb testing.TB, locator string) *fakeFetch {
	tb.Helper()
	t.mutex.Lock()
	defer t.mutex.Unlock()
	for i := len(t.fetches) - 1; i >= 0; i-- {
		if t.fetches[i].locator == locator {
			return t.fetches[i]
		}
	}
	require.FailNow(tb, "no fetch issued", locator)
	return nil
}

// results collects completion callbacks.
type results[R any] struct {
	mutex sync.Mutex
	list  []Result[R]
}

func (r *results[R]) complete(res Result[R]) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.list = append(r.list, res)
}

func (r *results[R]) all() []Result[R] {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return append([]Result[R](nil), r.list...)
}

func (r *results[R]) size() int {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return len(r.list)
}

// single waits for exactly one result.
func (r *results[R]) single(tb testing.TB) Result[R] {
	tb.Helper()
	require.Eventually(tb, func() bool { return r.size() > 0 }, 5*time.Second, 5*time.Millisecond)
	list := r.all()
	require.Len(tb, list, 1)
	return list[0]
}

func newTestCache(t *testing.T, tr *fakeTransport, modify ...func(*Config[[]byte])) *ImageCache[[]byte] {
	t.Helper()
	logger := zerolog.Nop()
	config := Config[[]byte]{
		Transport:           tr,
		Logger:              &logger,
		DisableRevalidation: true,
	}
	for _, m := range modify {
		m(&config)
	}
	ic, err := CreateCache(config)
	require.NoError(t, err)
	return ic
}
