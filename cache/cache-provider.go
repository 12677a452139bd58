package cache

import (
	"container/list"
	"errors"
	"fmt"
	"sync"

	cachekey "github.com/always-cache/image-cache/pkg/cache-key"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	// DefaultCapacityBytes is the memory capacity used when none is configured.
	DefaultCapacityBytes uint64 = 150 * 1024 * 1024
	// DefaultPurgeTargetBytes is the usage the cache is purged down to
	// once the capacity is exceeded.
	DefaultPurgeTargetBytes uint64 = 60 * 1024 * 1024
)

var ErrInvalidConfiguration = errors.New("invalid cache configuration")

// Provider is a capacity-bounded cache of in-memory resources.
// Resources are evicted least-recently-accessed first once the total size
// exceeds the capacity, until the total size is at or below the purge target.
//
// Implementations must be thread-safe!
type Provider[R any] interface {
	// Configure sets the capacity and purge target.
	// It fails with ErrInvalidConfiguration if the purge target exceeds the capacity,
	// in which case the previous configuration is kept.
	// If the current usage exceeds the new capacity, entries are evicted immediately.
	Configure(capacityBytes, purgeTargetBytes uint64) error
	// Lookup returns the resource stored under the key, if any.
	// A hit counts as an access for eviction purposes.
	Lookup(key cachekey.Key) (R, bool)
	// Insert stores or replaces the resource under the key.
	// The inserted entry itself is never evicted by the insert.
	Insert(key cachekey.Key, resource R, sizeBytes uint64)
	// Remove deletes the entry for the key. It is a no-op for unknown keys.
	Remove(key cachekey.Key)
	// Entries returns a snapshot of all entries, oldest access first
	// (i.e. in eviction order).
	Entries() []Entry[R]
	// Stats returns the current usage and counters.
	Stats() Stats
}

// Entry is a snapshot of a cached resource.
type Entry[R any] struct {
	Key       cachekey.Key
	Resource  R
	SizeBytes uint64
	// Monotonic access tick, unique per cache.
	LastAccessed uint64
}

// Stats describes the state of a cache.
type Stats struct {
	Entries          int    `json:"entries"`
	UsageBytes       uint64 `json:"usageBytes"`
	CapacityBytes    uint64 `json:"capacityBytes"`
	PurgeTargetBytes uint64 `json:"purgeTargetBytes"`
	Hits             uint64 `json:"hits"`
	Misses           uint64 `json:"misses"`
	Evictions        uint64 `json:"evictions"`
}

type options struct {
	log zerolog.Logger
}

// Option configures a provider.
type Option func(*options)

// WithLogger sets the logger used by the provider.
// The global zerolog logger is used by default.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) {
		o.log = l
	}
}

func buildOptions(opts []Option) options {
	o := options{log: log.Logger}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

func validate(capacityBytes, purgeTargetBytes uint64) error {
	if purgeTargetBytes > capacityBytes {
		return fmt.Errorf("%w: purge target %d exceeds capacity %d", ErrInvalidConfiguration, purgeTargetBytes, capacityBytes)
	}
	return nil
}

type memCacheEntry[R any] struct {
	key      cachekey.Key
	resource R
	size     uint64
	accessed uint64
}

// MemCache is an in-memory LRU Provider.
// Access order is kept in a list, most recently accessed at the front.
type MemCache[R any] struct {
	mutex       sync.Mutex
	db          map[cachekey.Key]*list.Element
	order       *list.List
	capacity    uint64
	purgeTarget uint64
	usage       uint64
	clock       uint64
	hits        uint64
	misses      uint64
	evictions   uint64
	log         zerolog.Logger
}

var _ Provider[[]byte] = (*MemCache[[]byte])(nil)

// NewMemCache creates an empty cache with the given capacity and purge target.
func NewMemCache[R any](capacityBytes, purgeTargetBytes uint64, opts ...Option) (*MemCache[R], error) {
	if err := validate(capacityBytes, purgeTargetBytes); err != nil {
		return nil, err
	}
	o := buildOptions(opts)
	return &MemCache[R]{
		db:          make(map[cachekey.Key]*list.Element),
		order:       list.New(),
		capacity:    capacityBytes,
		purgeTarget: purgeTargetBytes,
		log:         o.log.With().Str("provider", "memory").Logger(),
	}, nil
}

// NewDefaultMemCache creates a cache with the default capacity and purge target.
func NewDefaultMemCache[R any](opts ...Option) *MemCache[R] {
	m, err := NewMemCache[R](DefaultCapacityBytes, DefaultPurgeTargetBytes, opts...)
	if err != nil {
		panic(err)
	}
	return m
}

func (m *MemCache[R]) Configure(capacityBytes, purgeTargetBytes uint64) error {
	if err := validate(capacityBytes, purgeTargetBytes); err != nil {
		return err
	}
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.capacity = capacityBytes
	m.purgeTarget = purgeTargetBytes
	m.log.Debug().Uint64("capacity", capacityBytes).Uint64("purgeTarget", purgeTargetBytes).Msg("Cache configured")
	m.purge(nil)
	return nil
}

func (m *MemCache[R]) Lookup(key cachekey.Key) (R, bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	elem, ok := m.db[key]
	if !ok {
		m.misses++
		var zero R
		return zero, false
	}
	m.hits++
	entry := elem.Value.(*memCacheEntry[R])
	m.clock++
	entry.accessed = m.clock
	m.order.MoveToFront(elem)
	return entry.resource, true
}

func (m *MemCache[R]) Insert(key cachekey.Key, resource R, sizeBytes uint64) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.clock++
	elem, ok := m.db[key]
	if ok {
		entry := elem.Value.(*memCacheEntry[R])
		m.usage -= entry.size
		entry.resource = resource
		entry.size = sizeBytes
		entry.accessed = m.clock
		m.order.MoveToFront(elem)
	} else {
		elem = m.order.PushFront(&memCacheEntry[R]{
			key:      key,
			resource: resource,
			size:     sizeBytes,
			accessed: m.clock,
		})
		m.db[key] = elem
	}
	m.usage += sizeBytes
	m.log.Trace().Str("key", key.String()).Uint64("size", sizeBytes).Uint64("usage", m.usage).Msg("Cache write")
	m.purge(elem)
}

func (m *MemCache[R]) Remove(key cachekey.Key) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if elem, ok := m.db[key]; ok {
		m.removeElement(elem)
	}
}

func (m *MemCache[R]) Entries() []Entry[R] {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	entries := make([]Entry[R], 0, len(m.db))
	for elem := m.order.Back(); elem != nil; elem = elem.Prev() {
		e := elem.Value.(*memCacheEntry[R])
		entries = append(entries, Entry[R]{
			Key:          e.key,
			Resource:     e.resource,
			SizeBytes:    e.size,
			LastAccessed: e.accessed,
		})
	}
	return entries
}

func (m *MemCache[R]) Stats() Stats {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return Stats{
		Entries:          len(m.db),
		UsageBytes:       m.usage,
		CapacityBytes:    m.capacity,
		PurgeTargetBytes: m.purgeTarget,
		Hits:             m.hits,
		Misses:           m.misses,
		Evictions:        m.evictions,
	}
}

// purge evicts from the back of the access list until usage is at or below
// the purge target. It only runs if usage exceeds the capacity.
// The protected element is skipped. Must be called with the mutex held.
func (m *MemCache[R]) purge(protect *list.Element) {
	if m.usage <= m.capacity {
		return
	}
	before := m.usage
	for elem := m.order.Back(); elem != nil && m.usage > m.purgeTarget; {
		prev := elem.Prev()
		if elem != protect {
			m.removeElement(elem)
			m.evictions++
		}
		elem = prev
	}
	m.log.Debug().Uint64("freed", before-m.usage).Uint64("usage", m.usage).Msg("Cache purged")
}

func (m *MemCache[R]) removeElement(elem *list.Element) {
	entry := elem.Value.(*memCacheEntry[R])
	m.order.Remove(elem)
	delete(m.db, entry.key)
	m.usage -= entry.size
}
