package imagecache

import (
	cachekey "github.com/always-cache/image-cache/pkg/cache-key"
)

// revalidate refreshes a cached resource after it was read from the cache.
func (a *ImageCache[R]) revalidate(key cachekey.Key) {
	if !a.revalidateHits {
		return
	}
	a.refresh(key, "revalidate")
}

// warm fetches the resource of a superseded request, if enabled.
func (a *ImageCache[R]) warm(key cachekey.Key) {
	if !a.warmSuperseded {
		return
	}
	a.refresh(key, "warm")
}

// refresh fetches the resource in a new goroutine and stores it in the cache.
// Concurrent refreshes of the same key share a single fetch.
// If the fetch fails, the cached entry is left as is.
func (a *ImageCache[R]) refresh(key cachekey.Key, reason string) {
	go func() {
		_, err, shared := a.refreshGroup.Do(key.String(), func() (any, error) {
			a.log.Trace().Str("key", key.String()).Str("reason", reason).Msg("Refreshing resource")
			body, err := a.fetchSync(key)
			if err != nil {
				return nil, err
			}
			resource, size, err := a.decodeBody(key, body)
			if err != nil {
				return nil, err
			}
			a.cache.Insert(key, resource, size)
			return nil, nil
		})
		if err != nil && !shared {
			a.log.Warn().Err(err).Str("key", key.String()).Str("reason", reason).Msg("Could not refresh resource")
		}
	}()
}

// fetchSync issues a fetch and waits for its completion.
func (a *ImageCache[R]) fetchSync(key cachekey.Key) ([]byte, error) {
	type result struct {
		body []byte
		err  error
	}
	done := make(chan result, 1)
	a.transport.Fetch(key.Locator, nil, func(body []byte, err error) {
		done <- result{body, err}
	})
	res := <-done
	return res.body, res.err
}
