// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package main

import (
	"sync"

	glm "github.com/go-gl/mathgl/mgl32"
	log "github.com/sirupsen/logrus"

	"github.com/devblok/koru/v2/cache"
	"github.com/devblok/koru/v2/core"
	"github.com/devblok/koru/v2/core/renderer"
	"github.com/devblok/koru/v2/loader"
	"github.com/devblok/koru/v2/model"
)

// entity is one mesh placed in the world.
type entity struct {
	name     string
	mesh     *cache.Handle[*loader.Mesh]
	instance *model.Instance
}

// world owns the entities. Systems mutate it while the scheduler builds
// the next scene from it, so every access goes through the mutex.
type world struct {
	mutex    sync.Mutex
	entities []*entity
	terrain  *cache.Handle[*loader.Heightfield]
	manager  *loader.Manager
	log      log.FieldLogger
	angle    float32
}

func (w *world) add(name string, mesh *cache.Handle[*loader.Mesh], offset float32) {
	inst := model.NewInstance(mesh.Get().Model)
	inst.SetPosition(glm.Translate3D(offset, 0, 0))
	w.mutex.Lock()
	defer w.mutex.Unlock()
	w.entities = append(w.entities, &entity{name: name, mesh: mesh, instance: inst})
}

// spin rotates every entity around the up axis.
func (w *world) spin(c *core.Controller) error {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	w.angle += float32(c.Delta().Seconds())
	rot := glm.HomogRotate3DY(w.angle)
	for _, e := range w.entities {
		e.instance.SetRotation(rot)
	}
	return nil
}

// reload swaps in meshes that were rebuilt after their asset changed.
// Scenes in flight hold their own handles to the old meshes.
func (w *world) reload(*core.Controller) error {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	for _, e := range w.entities {
		fresh, err := w.manager.Mesh(e.name)
		if err != nil {
			w.log.WithError(err).WithField("asset", e.name).Warn("reload failed, keeping the old mesh")
			continue
		}
		if fresh.Same(e.mesh) {
			fresh.Release()
			continue
		}
		inst := model.NewInstance(fresh.Get().Model)
		inst.SetPosition(e.instance.Position())
		e.mesh.Release()
		e.mesh, e.instance = fresh, inst
		w.log.WithField("asset", e.name).Info("mesh reloaded")
	}
	return nil
}

// scene is what the renderer draws. It keeps its meshes alive until
// release is called.
type scene struct {
	draws      []renderer.Draw
	transforms []glm.Mat4
	handles    []func()
}

func (s *scene) Draws() []renderer.Draw {
	return s.draws
}

func (s *scene) release() {
	for _, r := range s.handles {
		r()
	}
	s.handles = nil
}

// snapshot builds the next scene from the current state of the world.
func (w *world) snapshot() *scene {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	s := &scene{}
	if w.terrain != nil {
		t := w.terrain.Clone()
		s.handles = append(s.handles, t.Release)
		s.draws = append(s.draws, renderer.Draw{
			Vertices:    t.Get().Vertices,
			VertexCount: t.Get().VertexCount,
		})
		s.transforms = append(s.transforms, glm.Ident4())
	}
	for _, e := range w.entities {
		m := e.mesh.Clone()
		s.handles = append(s.handles, m.Release)
		s.draws = append(s.draws, renderer.Draw{
			Vertices:    m.Get().Vertices,
			VertexCount: m.Get().VertexCount,
		})
		s.transforms = append(s.transforms, e.instance.Transform())
	}
	return s
}

// close drops every handle held by the world.
func (w *world) close() {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	for _, e := range w.entities {
		e.mesh.Release()
	}
	w.entities = nil
	if w.terrain != nil {
		w.terrain.Release()
		w.terrain = nil
	}
}
