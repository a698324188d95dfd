// Package cachestore persists named response caches in LevelDB.
//
// Layout:
//
//	n:<cache>               name marker
//	e:<cache>\x00<key>      encoded Entry
//
// Writes overwrite; there is no eviction. A cache disappears only when its
// name is deleted, which is how a version bump invalidates old content.
package cachestore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
	"go.uber.org/zap"

	"vybbi-edge/internal/logging"
)

var (
	ErrNotFound = errors.New("cachestore: not found")
	ErrClosed   = errors.New("cachestore: closed")
)

const (
	namePrefix  = "n:"
	entryPrefix = "e:"
	keySep      = "\x00"
)

type op struct {
	cache string
	key   Key
	ent   *Entry
	del   bool

	barrier chan struct{}
}

// Storage is the set of named caches. It is safe for concurrent use.
type Storage struct {
	db  *leveldb.DB
	log *zap.Logger

	writeFailLog *logging.RateLimited

	mu     sync.RWMutex
	closed bool

	ops  chan op
	done chan struct{}
}

// Open opens (or creates) a LevelDB-backed store at path.
func Open(path string, log *zap.Logger) (*Storage, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb %s: %w", path, err)
	}
	return newStorage(db, log), nil
}

// OpenMemory opens a store backed by LevelDB memory storage.
func OpenMemory(log *zap.Logger) (*Storage, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, err
	}
	return newStorage(db, log), nil
}

func newStorage(db *leveldb.DB, log *zap.Logger) *Storage {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Storage{
		db:           db,
		log:          log,
		writeFailLog: logging.NewRateLimited(log, time.Minute),
		ops:          make(chan op, 1024),
		done:         make(chan struct{}),
	}
	go s.writerLoop()
	return s
}

// Close drains queued writes and closes the database.
func (s *Storage) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.ops)
	s.mu.Unlock()

	<-s.done
	return s.db.Close()
}

// Open returns a handle to the named cache, creating its marker if needed.
func (s *Storage) Open(name string) (*Cache, error) {
	if name == "" || strings.Contains(name, keySep) {
		return nil, fmt.Errorf("cachestore: invalid cache name %q", name)
	}
	if err := s.db.Put(nameKey(name), nil, nil); err != nil {
		return nil, fmt.Errorf("register cache %s: %w", name, err)
	}
	return &Cache{s: s, name: name}, nil
}

// Has reports whether a cache with this name exists.
func (s *Storage) Has(name string) (bool, error) {
	return s.db.Has(nameKey(name), nil)
}

// Keys lists every cache name, sorted.
func (s *Storage) Keys() ([]string, error) {
	it := s.db.NewIterator(util.BytesPrefix([]byte(namePrefix)), nil)
	defer it.Release()

	var out []string
	for it.Next() {
		out = append(out, string(bytes.TrimPrefix(it.Key(), []byte(namePrefix))))
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

// Delete removes the named cache and all of its entries. It reports whether
// the cache existed.
func (s *Storage) Delete(name string) (bool, error) {
	if err := s.Sync(context.Background()); err != nil && !errors.Is(err, ErrClosed) {
		return false, err
	}
	existed, err := s.Has(name)
	if err != nil {
		return false, err
	}
	if !existed {
		return false, nil
	}

	batch := new(leveldb.Batch)
	it := s.db.NewIterator(util.BytesPrefix(entryRangePrefix(name)), nil)
	for it.Next() {
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return false, err
	}
	batch.Delete(nameKey(name))
	if err := s.db.Write(batch, nil); err != nil {
		return false, fmt.Errorf("delete cache %s: %w", name, err)
	}
	return true, nil
}

// Sync blocks until every write queued before the call has been applied.
func (s *Storage) Sync(ctx context.Context) error {
	ch := make(chan struct{})
	if !s.enqueue(op{barrier: ch}) {
		return ErrClosed
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Storage) enqueue(o op) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false
	}
	s.ops <- o
	return true
}

func (s *Storage) writerLoop() {
	defer close(s.done)
	for o := range s.ops {
		switch {
		case o.barrier != nil:
			close(o.barrier)
		case o.del:
			if err := s.db.Delete(entryKey(o.cache, o.key), nil); err != nil {
				s.writeFailLog.Warn("cache delete failed", zap.String("cache", o.cache), zap.String("key", string(o.key)), zap.Error(err))
			}
		case o.ent != nil:
			if err := s.put(o.cache, o.key, *o.ent); err != nil {
				s.writeFailLog.Warn("cache write failed", zap.String("cache", o.cache), zap.String("key", string(o.key)), zap.Error(err))
			}
		}
	}
}

func (s *Storage) put(cache string, key Key, ent Entry) error {
	b, err := encodeEntry(ent)
	if err != nil {
		return err
	}
	batch := new(leveldb.Batch)
	batch.Put(nameKey(cache), nil)
	batch.Put(entryKey(cache, key), b)
	return s.db.Write(batch, nil)
}

func nameKey(name string) []byte { return []byte(namePrefix + name) }

func entryRangePrefix(cache string) []byte { return []byte(entryPrefix + cache + keySep) }

func entryKey(cache string, key Key) []byte {
	return []byte(entryPrefix + cache + keySep + string(key))
}

// Cache is a handle to one named cache.
type Cache struct {
	s    *Storage
	name string
}

func (c *Cache) Name() string { return c.name }

// Match returns the entry stored under key.
func (c *Cache) Match(key Key) (Entry, error) {
	b, err := c.s.db.Get(entryKey(c.name, key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, err
	}
	ent, err := decodeEntry(b)
	if err != nil {
		return Entry{}, fmt.Errorf("decode %s: %w", key, err)
	}
	return ent, nil
}

// Put stores ent synchronously, overwriting any previous entry.
func (c *Cache) Put(key Key, ent Entry) error {
	return c.s.put(c.name, key, ent)
}

// PutAsync queues a write on the store's writer goroutine. Failures are
// logged, never returned.
func (c *Cache) PutAsync(key Key, ent Entry) {
	clone := ent.Clone()
	if !c.s.enqueue(op{cache: c.name, key: key, ent: &clone}) {
		c.s.log.Debug("cache closed, write dropped", zap.String("cache", c.name), zap.String("key", string(key)))
	}
}

// Delete removes one entry.
func (c *Cache) Delete(key Key) error {
	return c.s.db.Delete(entryKey(c.name, key), nil)
}

// Keys lists the request keys stored in this cache.
func (c *Cache) Keys() ([]Key, error) {
	prefix := entryRangePrefix(c.name)
	it := c.s.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()

	var out []Key
	for it.Next() {
		out = append(out, Key(bytes.TrimPrefix(it.Key(), prefix)))
	}
	return out, it.Error()
}

// Len counts stored entries.
func (c *Cache) Len() (int, error) {
	keys, err := c.Keys()
	return len(keys), err
}

// FetchFunc retrieves one URL for AddAll.
type FetchFunc func(ctx context.Context, url string) (Entry, error)

// AddAll fetches every url and commits all of them in a single batch. If any
// fetch fails or returns a non-2xx status nothing is written.
func (c *Cache) AddAll(ctx context.Context, urls []string, fetch FetchFunc) error {
	batch := new(leveldb.Batch)
	batch.Put(nameKey(c.name), nil)
	for _, u := range urls {
		if err := ctx.Err(); err != nil {
			return err
		}
		ent, err := fetch(ctx, u)
		if err != nil {
			return fmt.Errorf("fetch %s: %w", u, err)
		}
		if !ent.OK() {
			return fmt.Errorf("fetch %s: unexpected status %d", u, ent.Status)
		}
		b, err := encodeEntry(ent)
		if err != nil {
			return fmt.Errorf("encode %s: %w", u, err)
		}
		batch.Put(entryKey(c.name, GetKey(u)), b)
	}
	return c.s.db.Write(batch, nil)
}
