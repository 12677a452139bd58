package imagecache

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/always-cache/image-cache/cache"
	cachekey "github.com/always-cache/image-cache/pkg/cache-key"
	"github.com/always-cache/image-cache/transport"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateCacheRequiresTransport(t *testing.T) {
	_, err := CreateCache(Config[[]byte]{})
	assert.ErrorIs(t, err, ErrMissingTransport)
}

func TestCreateCacheRequiresDecoder(t *testing.T) {
	_, err := CreateCache(Config[string]{Transport: newFakeTransport()})
	assert.ErrorIs(t, err, ErrMissingDecoder)
}

func TestCreateCacheDefaults(t *testing.T) {
	ic, err := CreateCache(Config[[]byte]{Transport: newFakeTransport()})
	require.NoError(t, err)

	stats := ic.Stats()
	assert.Equal(t, uint64(cache.DefaultCapacityBytes), stats.CapacityBytes)
	assert.Equal(t, uint64(cache.DefaultPurgeTargetBytes), stats.PurgeTargetBytes)
	assert.Equal(t, 0, stats.Entries)
}

func TestCustomDecoderAndSizer(t *testing.T) {
	tr := newFakeTransport()
	logger := zerolog.Nop()
	ic, err := CreateCache(Config[string]{
		Transport: tr,
		Logger:    &logger,
		Decoder: func(body []byte) (string, error) {
			if string(body) == "corrupt" {
				return "", errors.New("unsupported format")
			}
			return strings.ToUpper(string(body)), nil
		},
		// decoded bitmaps are larger than their encoding
		Sizer: func(resource string, body []byte) uint64 {
			return uint64(len(body)) * 4
		},
		DisableRevalidation: true,
	})
	require.NoError(t, err)
	c := ic.NewCoordinator()

	var ok results[string]
	c.Request(keyA, ok.complete)
	tr.last(t, locatorA).succeed("abc")
	r := ok.single(t)
	assert.Equal(t, CodeSuccess, r.Code)
	assert.Equal(t, "ABC", r.Resource)
	assert.Equal(t, uint64(12), ic.Stats().UsageBytes)

	var failed results[string]
	c.Request(keyB, failed.complete)
	tr.last(t, locatorB).succeed("corrupt")
	r = failed.single(t)
	assert.Equal(t, CodeUnknown, r.Code)
	var te *transport.Error
	require.True(t, errors.As(r.Err, &te))
	assert.Equal(t, transport.KindFailure, te.Kind)
	assert.Contains(t, r.Err.Error(), "unsupported format")
	assert.Equal(t, 1, ic.Stats().Entries)

	current, _ := c.Current()
	assert.Equal(t, "ABC", current)
}

func TestConfigure(t *testing.T) {
	ic := newTestCache(t, newFakeTransport())
	ic.Cache().Insert(keyA, []byte("a"), 1)
	ic.Cache().Insert(keyB, []byte("b"), 1)

	assert.ErrorIs(t, ic.Configure(10, 20), cache.ErrInvalidConfiguration)
	assert.Equal(t, uint64(cache.DefaultCapacityBytes), ic.Stats().CapacityBytes)

	require.NoError(t, ic.Configure(1, 1))
	stats := ic.Stats()
	assert.Equal(t, uint64(1), stats.CapacityBytes)
	assert.Equal(t, 1, stats.Entries)
}

func TestRemove(t *testing.T) {
	ic := newTestCache(t, newFakeTransport())
	ic.Cache().Insert(keyA, []byte("a"), 1)

	ic.Remove(keyA)
	ic.Remove(keyA)

	_, ok := ic.Cache().Lookup(keyA)
	assert.False(t, ok)
	assert.Equal(t, uint64(0), ic.Stats().UsageBytes)
}

func TestSQLiteProvider(t *testing.T) {
	logger := zerolog.Nop()
	provider, err := cache.NewSQLiteCache(t.Name(), 100, 50, cache.WithLogger(logger))
	require.NoError(t, err)
	t.Cleanup(func() { provider.Close() })

	tr := newFakeTransport()
	ic := newTestCache(t, tr, func(c *Config[[]byte]) { c.Cache = provider })
	c := ic.NewCoordinator()

	var res results[[]byte]
	for i := 0; i < 3; i++ {
		locator := fmt.Sprintf("https://img.test/%d.png", i)
		c.Request(cachekey.New(locator), res.complete)
		tr.last(t, locator).succeed(strings.Repeat("x", 40))
	}

	for _, r := range res.all() {
		assert.Equal(t, CodeSuccess, r.Code)
	}
	stats := ic.Stats()
	assert.Equal(t, 1, stats.Entries)
	assert.Equal(t, uint64(40), stats.UsageBytes)
	_, ok := provider.Lookup(cachekey.New("https://img.test/2.png"))
	assert.True(t, ok)
}
