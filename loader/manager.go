// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package loader turns asset bytes into device resources. Terrain, Image and
// Model stage their input and return a staging.Job; the Manager runs those
// jobs through an Uploader and keeps the results in the resource cache.
package loader

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	units "github.com/docker/go-units"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/devblok/koru/v2/asset"
	"github.com/devblok/koru/v2/cache"
	"github.com/devblok/koru/v2/gfx"
	"github.com/devblok/koru/v2/model"
	"github.com/devblok/koru/v2/staging"
)

// ErrEmpty is returned when an asset produced no resource.
var ErrEmpty = errors.New("empty asset")

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithWorkers bounds the number of assets Preload stages at once.
func WithWorkers(n int) ManagerOption {
	return func(m *Manager) {
		m.workers = n
	}
}

// WithMaxTextureSize scales textures down to fit n texels per side.
func WithMaxTextureSize(n int) ManagerOption {
	return func(m *Manager) {
		m.maxTexture = n
	}
}

// WithManagerLogger sets the logger used by the manager.
func WithManagerLogger(l log.FieldLogger) ManagerOption {
	return func(m *Manager) {
		m.log = l
	}
}

// Manager loads assets by name, sharing every live resource through the
// cache. Safe for concurrent use.
type Manager struct {
	cache    *cache.Cache
	source   asset.Source
	alloc    gfx.Allocator
	uploader *staging.Uploader
	log      log.FieldLogger

	workers    int
	maxTexture int

	mutex    sync.Mutex
	removers map[string]map[cache.ID]func()
}

// NewManager creates a manager reading from source and uploading with u.
func NewManager(c *cache.Cache, source asset.Source, alloc gfx.Allocator, u *staging.Uploader, options ...ManagerOption) *Manager {
	m := &Manager{
		cache:    c,
		source:   source,
		alloc:    alloc,
		uploader: u,
		log:      log.StandardLogger(),
		workers:  4,
		removers: make(map[string]map[cache.ID]func()),
	}
	for _, opt := range options {
		opt(m)
	}
	m.log = m.log.WithField("component", "loader")
	return m
}

// load is the shared find-or-build path of every asset kind.
func load[T any](m *Manager, name string, id cache.ID, stage func(data []byte) (*staging.Job[T], error)) (*cache.Handle[T], error) {
	m.track(name, id, func() {
		if h, ok := cache.Remove[T](m.cache, id); ok {
			h.Release()
		}
	})
	h, err := cache.Load(m.cache, id, func() (T, error) {
		var zero T
		start := time.Now()
		data, err := m.source.ReadFile(name)
		if err != nil {
			return zero, err
		}
		job, err := stage(data)
		if err != nil {
			return zero, err
		}
		if job.Empty() {
			job.Release()
			return zero, ErrEmpty
		}
		v, err := staging.Upload(m.uploader, job)
		if err != nil {
			return zero, err
		}
		m.log.WithFields(log.Fields{
			"asset":    name,
			"id":       id,
			"size":     units.HumanSize(float64(len(data))),
			"duration": time.Since(start),
		}).Debug("asset loaded")
		return v, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return h, nil
}

func (m *Manager) track(name string, id cache.ID, remove func()) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	byID, ok := m.removers[name]
	if !ok {
		byID = make(map[cache.ID]func())
		m.removers[name] = byID
	}
	byID[id] = remove
}

// Texture loads an image asset as a texture of the given format.
func (m *Manager) Texture(name string, format gfx.Format) (*cache.Handle[*Texture], error) {
	id := cache.NewID(m.source.Locate(name), "texture", format, m.maxTexture)
	return load(m, name, id, func(data []byte) (*staging.Job[*Texture], error) {
		img, err := DecodeImage(data)
		if err != nil {
			return nil, err
		}
		return Image(m.alloc, Fit(img, m.maxTexture), format)
	})
}

// Mesh loads a Collada or glTF asset. External glTF buffers are resolved
// relative to the asset.
func (m *Manager) Mesh(name string) (*cache.Handle[*Mesh], error) {
	id := cache.NewID(m.source.Locate(name), "mesh")
	return load(m, name, id, func(data []byte) (*staging.Job[*Mesh], error) {
		mdl, err := model.Decode(name, data, func(uri string) ([]byte, error) {
			return m.source.ReadFile(path.Join(path.Dir(name), uri))
		})
		if err != nil {
			return nil, err
		}
		return Model(m.alloc, mdl)
	})
}

// Terrain loads a heightmap asset and builds a quads*quads grid over it.
func (m *Manager) Terrain(heightmap string, quads int) (*cache.Handle[*Heightfield], error) {
	if quads <= 0 {
		quads = DefaultQuads
	}
	id := cache.NewID(m.source.Locate(heightmap), "terrain", quads)
	return load(m, heightmap, id, func(data []byte) (*staging.Job[*Heightfield], error) {
		img, err := DecodeImage(data)
		if err != nil {
			return nil, err
		}
		return Terrain(m.alloc, img, quads)
	})
}

// Invalidate drops every cached resource built from the named asset.
// Holders keep their handles; the next load rebuilds from the source.
func (m *Manager) Invalidate(names ...string) int {
	var removers []func()
	m.mutex.Lock()
	for _, name := range names {
		for _, remove := range m.removers[name] {
			removers = append(removers, remove)
		}
		delete(m.removers, name)
	}
	m.mutex.Unlock()

	for _, remove := range removers {
		remove()
	}
	if len(removers) > 0 {
		m.log.WithField("assets", names).Info("assets invalidated")
	}
	return len(removers)
}

// Watch invalidates assets as w reports them changed, until w is closed
// or ctx is done.
func (m *Manager) Watch(ctx context.Context, w *asset.Watcher) {
	for {
		select {
		case <-ctx.Done():
			return
		case batch, ok := <-w.Changes():
			if !ok {
				return
			}
			m.Invalidate(batch...)
		}
	}
}

// Kind tells Preload how to load an asset.
type Kind int

// Asset kinds.
const (
	KindUnknown Kind = iota
	KindTexture
	KindMesh
)

// KindOf guesses the kind of an asset from its extension.
func KindOf(name string) Kind {
	switch strings.ToLower(path.Ext(name)) {
	case ".png", ".jpg", ".jpeg", ".gif", ".bmp", ".tif", ".tiff", ".webp":
		return KindTexture
	case ".dae", ".gltf", ".glb":
		return KindMesh
	}
	return KindUnknown
}

// Bundle keeps a set of preloaded resources alive.
type Bundle struct {
	mutex     sync.Mutex
	resources map[string]gfx.Releasable
}

func (b *Bundle) add(name string, r gfx.Releasable) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.resources[name] = r
}

// Has reports whether the bundle holds name.
func (b *Bundle) Has(name string) bool {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	_, ok := b.resources[name]
	return ok
}

// Len returns the number of resources held.
func (b *Bundle) Len() int {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return len(b.resources)
}

// Release drops every handle held by the bundle.
func (b *Bundle) Release() {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	for name, r := range b.resources {
		r.Release()
		delete(b.resources, name)
	}
}

// Preload loads the named assets concurrently, at most the configured
// number of workers at a time. Textures are loaded as sRGB. On the first
// error the remaining loads are cancelled and everything loaded so far is
// released.
func (m *Manager) Preload(ctx context.Context, names ...string) (*Bundle, error) {
	bundle := &Bundle{resources: make(map[string]gfx.Releasable, len(names))}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(m.workers, 1))

	for _, name := range names {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			var (
				r   gfx.Releasable
				err error
			)
			switch KindOf(name) {
			case KindTexture:
				r, err = m.Texture(name, gfx.FormatR8G8B8A8Srgb)
			case KindMesh:
				r, err = m.Mesh(name)
			default:
				err = fmt.Errorf("%s: %w", name, model.ErrFormat)
			}
			if err != nil {
				return err
			}
			bundle.add(name, r)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		bundle.Release()
		return nil, err
	}
	m.log.WithField("assets", bundle.Len()).Info("preload complete")
	return bundle, nil
}
