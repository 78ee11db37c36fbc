// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package model

import (
	"sync"

	glm "github.com/go-gl/mathgl/mgl32"
)

// Instance places a shared model in the world. Transform setters and
// getters are safe for concurrent use, systems update instances while the
// renderer reads them.
type Instance struct {
	model *Model

	mutex    sync.RWMutex
	position glm.Mat4
	rotation glm.Mat4
	scale    glm.Mat4
}

// NewInstance creates an instance of m at the origin.
func NewInstance(m *Model) *Instance {
	return &Instance{
		model:    m,
		position: glm.Ident4(),
		rotation: glm.Ident4(),
		scale:    glm.Ident4(),
	}
}

// Model returns the shared model data.
func (i *Instance) Model() *Model {
	return i.model
}

// SetPosition sets the object's current position in space.
func (i *Instance) SetPosition(pos glm.Mat4) {
	i.mutex.Lock()
	i.position = pos
	i.mutex.Unlock()
}

// Position gets the object's current position in space.
func (i *Instance) Position() glm.Mat4 {
	i.mutex.RLock()
	defer i.mutex.RUnlock()
	return i.position
}

// SetRotation sets the object's rotation matrix.
func (i *Instance) SetRotation(rot glm.Mat4) {
	i.mutex.Lock()
	i.rotation = rot
	i.mutex.Unlock()
}

// Rotation gets the object's rotation matrix.
func (i *Instance) Rotation() glm.Mat4 {
	i.mutex.RLock()
	defer i.mutex.RUnlock()
	return i.rotation
}

// SetScale sets the object's scale matrix.
func (i *Instance) SetScale(scale glm.Mat4) {
	i.mutex.Lock()
	i.scale = scale
	i.mutex.Unlock()
}

// Transform returns position * rotation * scale, read atomically.
func (i *Instance) Transform() glm.Mat4 {
	i.mutex.RLock()
	defer i.mutex.RUnlock()
	return i.position.Mul4(i.rotation).Mul4(i.scale)
}
