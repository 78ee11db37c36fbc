// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package cache deduplicates loaded resources. The Cache only observes
// resources, ownership stays with the Handles given out to callers: once the
// last Handle is released the entry resolves to nothing and the next load
// builds the resource again.
package cache

import (
	"reflect"
	"strconv"
	"sync"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/devblok/koru/v2/gfx"
)

// Cache maps IDs to weak references, partitioned by resource type.
// It is safe for concurrent use. A Cache must outlive every Handle it
// gave out.
type Cache struct {
	mutex      sync.Mutex
	partitions map[reflect.Type]interface{}
	log        log.FieldLogger
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the logger used for cache diagnostics.
func WithLogger(l log.FieldLogger) Option {
	return func(c *Cache) {
		c.log = l
	}
}

// New creates an empty cache.
func New(options ...Option) *Cache {
	c := &Cache{
		partitions: make(map[reflect.Type]interface{}),
		log:        log.StandardLogger(),
	}
	for _, opt := range options {
		opt(c)
	}
	c.log = c.log.WithField("component", "cache")
	return c
}

type partition[T any] struct {
	mutex   sync.RWMutex
	entries map[ID]*ref[T]
	flight  singleflight.Group
	name    string
}

func partitionOf[T any](c *Cache) *partition[T] {
	key := reflect.TypeOf((*T)(nil)).Elem()

	c.mutex.Lock()
	defer c.mutex.Unlock()
	if p, ok := c.partitions[key]; ok {
		return p.(*partition[T])
	}
	p := &partition[T]{
		entries: make(map[ID]*ref[T]),
		name:    key.String(),
	}
	c.partitions[key] = p
	return p
}

// find resolves id, purging the entry if its resource is already gone.
func (p *partition[T]) find(id ID) (*Handle[T], bool) {
	p.mutex.RLock()
	entry, ok := p.entries[id]
	p.mutex.RUnlock()
	if !ok {
		return nil, false
	}
	if h, ok := acquireHandle(entry); ok {
		return h, true
	}

	p.mutex.Lock()
	if p.entries[id] == entry {
		delete(p.entries, id)
	}
	p.mutex.Unlock()
	return nil, false
}

func (p *partition[T]) insert(l log.FieldLogger, id ID, h *Handle[T]) {
	h.mustBeLive("Insert")

	p.mutex.Lock()
	defer p.mutex.Unlock()
	if old, ok := p.entries[id]; ok && old != h.ref && old.alive() {
		l.WithFields(log.Fields{"type": p.name, "id": id}).Warn("replacing live cache entry")
	}
	p.entries[id] = h.ref
}

// Insert records a weak reference to the resource of h under id and returns
// h unchanged. Callers should Find first: an entry that is still alive is
// replaced and later lookups see the new resource.
func Insert[T any](c *Cache, id ID, h *Handle[T]) *Handle[T] {
	partitionOf[T](c).insert(c.log, id, h)
	return h
}

// Emplace wraps v in a new Handle and inserts it under id.
func Emplace[T any](c *Cache, id ID, v T) *Handle[T] {
	return Insert(c, id, NewHandle(v))
}

// Find returns a new strong Handle if the resource cached under id is
// still alive.
func Find[T any](c *Cache, id ID) (*Handle[T], bool) {
	return partitionOf[T](c).find(id)
}

// At is Find for callers that know the resource exists. A missing
// resource is a programming error and panics.
func At[T any](c *Cache, id ID) *Handle[T] {
	h, ok := Find[T](c, id)
	if !ok {
		var zero T
		gfx.Precondition("no live %T cached under %s", zero, id)
	}
	return h
}

// Remove erases the entry for id. If the resource was still alive a strong
// Handle to it is returned.
func Remove[T any](c *Cache, id ID) (*Handle[T], bool) {
	p := partitionOf[T](c)

	p.mutex.Lock()
	entry, ok := p.entries[id]
	delete(p.entries, id)
	p.mutex.Unlock()

	if !ok {
		return nil, false
	}
	return acquireHandle(entry)
}

// Load returns the live resource cached under id, building and inserting
// it when there is none. Concurrent Loads of the same id share one build.
func Load[T any](c *Cache, id ID, build func() (T, error)) (*Handle[T], error) {
	p := partitionOf[T](c)
	key := strconv.FormatUint(uint64(id), 16)

	for {
		if h, ok := p.find(id); ok {
			return h, nil
		}

		v, err, shared := p.flight.Do(key, func() (interface{}, error) {
			if h, ok := p.find(id); ok {
				return h, nil
			}
			value, err := build()
			if err != nil {
				return nil, err
			}
			h := NewHandle(value)
			p.insert(c.log, id, h)
			c.log.WithFields(log.Fields{"type": p.name, "id": id}).Debug("resource built")
			return h, nil
		})
		if err != nil {
			return nil, err
		}

		// The flight handle is released by whichever caller gets here
		// first; everyone else clones from the control block while it is
		// still referenced and retries otherwise.
		flight := v.(*Handle[T])
		h, ok := flight.tryClone()
		flight.Release()
		if ok {
			return h, nil
		}
		c.log.WithFields(log.Fields{"type": p.name, "id": id, "shared": shared}).Debug("resource died before it was shared, rebuilding")
	}
}

// Len returns the number of entries of type T, dead ones included.
func Len[T any](c *Cache) int {
	p := partitionOf[T](c)
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	return len(p.entries)
}

type pruner interface {
	prune() int
}

func (p *partition[T]) prune() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	var n int
	for id, entry := range p.entries {
		if !entry.alive() {
			delete(p.entries, id)
			n++
		}
	}
	return n
}

// Prune drops every dead entry of every type and returns how many went.
func (c *Cache) Prune() int {
	c.mutex.Lock()
	parts := make([]pruner, 0, len(c.partitions))
	for _, p := range c.partitions {
		parts = append(parts, p.(pruner))
	}
	c.mutex.Unlock()

	var n int
	for _, p := range parts {
		n += p.prune()
	}
	if n > 0 {
		c.log.WithField("entries", n).Debug("pruned dead entries")
	}
	return n
}
