package cache

import (
	"database/sql"
	"errors"
	"net/url"
	"sync"

	cachekey "github.com/always-cache/image-cache/pkg/cache-key"

	_ "github.com/glebarez/go-sqlite"
	"github.com/rs/zerolog"
)

// SQLiteCache is a Provider of raw bytes backed by an in-memory SQLite database.
// Eviction order is kept in the `accessed` column.
type SQLiteCache struct {
	db          *sql.DB
	writeMutex  *sync.Mutex
	capacity    uint64
	purgeTarget uint64
	usage       uint64
	clock       uint64
	hits        uint64
	misses      uint64
	evictions   uint64
	log         zerolog.Logger
}

var _ Provider[[]byte] = (*SQLiteCache)(nil)

// NewSQLiteCache creates a cache in the named in-memory database.
// The name selects the in-memory database and must be unique per live cache,
// since usage is accounted per SQLiteCache. If name is empty, "image-cache" is used.
func NewSQLiteCache(name string, capacityBytes, purgeTargetBytes uint64, opts ...Option) (*SQLiteCache, error) {
	if err := validate(capacityBytes, purgeTargetBytes); err != nil {
		return nil, err
	}
	if name == "" {
		name = "image-cache"
	}
	o := buildOptions(opts)
	db, err := sql.Open("sqlite", "file:"+url.PathEscape(name)+"?mode=memory&cache=shared")
	if err != nil {
		return nil, err
	}
	// a single connection keeps the in-memory db alive and serializes access
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS entries (
		locator TEXT NOT NULL,
		identifier TEXT NOT NULL,
		bytes BLOB,
		size INTEGER NOT NULL,
		accessed INTEGER NOT NULL,
		PRIMARY KEY (locator, identifier)
	)`)
	if err == nil {
		_, err = db.Exec("CREATE INDEX IF NOT EXISTS accessed_idx ON entries (accessed)")
	}
	if err != nil {
		db.Close()
		return nil, err
	}
	s := &SQLiteCache{
		db:          db,
		writeMutex:  &sync.Mutex{},
		capacity:    capacityBytes,
		purgeTarget: purgeTargetBytes,
		log:         o.log.With().Str("provider", "sqlite").Str("db", name).Logger(),
	}
	var usage, clock int64
	err = db.QueryRow("SELECT COALESCE(SUM(size), 0), COALESCE(MAX(accessed), 0) FROM entries").Scan(&usage, &clock)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.usage = uint64(usage)
	s.clock = uint64(clock)
	s.purge(nil)
	return s, nil
}

// Close closes the underlying database, dropping all entries.
func (s *SQLiteCache) Close() error {
	return s.db.Close()
}

func (s *SQLiteCache) Configure(capacityBytes, purgeTargetBytes uint64) error {
	if err := validate(capacityBytes, purgeTargetBytes); err != nil {
		return err
	}
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	s.capacity = capacityBytes
	s.purgeTarget = purgeTargetBytes
	s.log.Debug().Uint64("capacity", capacityBytes).Uint64("purgeTarget", purgeTargetBytes).Msg("Cache configured")
	s.purge(nil)
	return nil
}

func (s *SQLiteCache) Lookup(key cachekey.Key) ([]byte, bool) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	var bytes []byte
	err := s.db.QueryRow("SELECT bytes FROM entries WHERE locator = ? AND identifier = ?",
		key.Locator, key.Identifier).Scan(&bytes)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			s.log.Error().Err(err).Str("key", key.String()).Msg("Could not read from cache")
		}
		s.misses++
		return nil, false
	}
	s.clock++
	_, err = s.db.Exec("UPDATE entries SET accessed = ? WHERE locator = ? AND identifier = ?",
		int64(s.clock), key.Locator, key.Identifier)
	if err != nil {
		s.log.Error().Err(err).Str("key", key.String()).Msg("Could not refresh access time")
	}
	s.hits++
	if bytes == nil {
		bytes = []byte{}
	}
	return bytes, true
}

func (s *SQLiteCache) Insert(key cachekey.Key, resource []byte, sizeBytes uint64) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	var old int64
	err := s.db.QueryRow("SELECT size FROM entries WHERE locator = ? AND identifier = ?",
		key.Locator, key.Identifier).Scan(&old)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		s.log.Error().Err(err).Str("key", key.String()).Msg("Could not read from cache")
		return
	}
	s.clock++
	_, err = s.db.Exec(`INSERT OR REPLACE INTO entries
		(locator, identifier, bytes, size, accessed) VALUES (?, ?, ?, ?, ?)`,
		key.Locator, key.Identifier, resource, int64(sizeBytes), int64(s.clock))
	if err != nil {
		s.log.Error().Err(err).Str("key", key.String()).Msg("Could not write to cache")
		return
	}
	s.usage = s.usage - uint64(old) + sizeBytes
	s.log.Trace().Str("key", key.String()).Uint64("size", sizeBytes).Uint64("usage", s.usage).Msg("Cache write")
	s.purge(&key)
}

func (s *SQLiteCache) Remove(key cachekey.Key) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	s.delete(key)
}

func (s *SQLiteCache) Entries() []Entry[[]byte] {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	entries := make([]Entry[[]byte], 0)
	rows, err := s.db.Query("SELECT locator, identifier, bytes, size, accessed FROM entries ORDER BY accessed ASC")
	if err != nil {
		s.log.Error().Err(err).Msg("Could not list cache entries")
		return entries
	}
	defer rows.Close()
	for rows.Next() {
		var e Entry[[]byte]
		var size, accessed int64
		if err := rows.Scan(&e.Key.Locator, &e.Key.Identifier, &e.Resource, &size, &accessed); err != nil {
			s.log.Error().Err(err).Msg("Could not scan cache entry")
			return entries
		}
		e.SizeBytes = uint64(size)
		e.LastAccessed = uint64(accessed)
		entries = append(entries, e)
	}
	return entries
}

func (s *SQLiteCache) Stats() Stats {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM entries").Scan(&count); err != nil {
		s.log.Error().Err(err).Msg("Could not count cache entries")
	}
	return Stats{
		Entries:          count,
		UsageBytes:       s.usage,
		CapacityBytes:    s.capacity,
		PurgeTargetBytes: s.purgeTarget,
		Hits:             s.hits,
		Misses:           s.misses,
		Evictions:        s.evictions,
	}
}

type sqliteVictim struct {
	key  cachekey.Key
	size uint64
}

// purge has the same semantics as MemCache.purge.
// Victims are collected before deleting, since the single connection
// is held by the open rows.
func (s *SQLiteCache) purge(protect *cachekey.Key) {
	if s.usage <= s.capacity {
		return
	}
	rows, err := s.db.Query("SELECT locator, identifier, size FROM entries ORDER BY accessed ASC")
	if err != nil {
		s.log.Error().Err(err).Msg("Could not select entries for eviction")
		return
	}
	victims := make([]sqliteVictim, 0)
	remaining := s.usage
	for remaining > s.purgeTarget && rows.Next() {
		var v sqliteVictim
		var size int64
		if err := rows.Scan(&v.key.Locator, &v.key.Identifier, &size); err != nil {
			s.log.Error().Err(err).Msg("Could not scan eviction candidate")
			break
		}
		v.size = uint64(size)
		if protect != nil && v.key == *protect {
			continue
		}
		victims = append(victims, v)
		remaining -= v.size
	}
	rows.Close()

	before := s.usage
	for _, v := range victims {
		if s.delete(v.key) {
			s.evictions++
		}
	}
	s.log.Debug().Uint64("freed", before-s.usage).Uint64("usage", s.usage).Msg("Cache purged")
}

// delete removes the entry and reports whether it existed.
func (s *SQLiteCache) delete(key cachekey.Key) bool {
	var size int64
	err := s.db.QueryRow("SELECT size FROM entries WHERE locator = ? AND identifier = ?",
		key.Locator, key.Identifier).Scan(&size)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			s.log.Error().Err(err).Str("key", key.String()).Msg("Could not read from cache")
		}
		return false
	}
	_, err = s.db.Exec("DELETE FROM entries WHERE locator = ? AND identifier = ?", key.Locator, key.Identifier)
	if err != nil {
		s.log.Error().Err(err).Str("key", key.String()).Msg("Could not delete from cache")
		return false
	}
	s.usage -= uint64(size)
	return true
}
