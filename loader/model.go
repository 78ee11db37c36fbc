// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package loader

import (
	"github.com/devblok/koru/v2/gfx"
	"github.com/devblok/koru/v2/model"
	"github.com/devblok/koru/v2/staging"
)

// Mesh is an uploaded model: its vertex and index buffers plus the
// host side description of nodes and primitives.
type Mesh struct {
	Vertices    gfx.Buffer
	Indices     gfx.Buffer
	VertexCount uint32
	IndexCount  uint32
	Model       *model.Model
}

// Release frees both device buffers.
func (m *Mesh) Release() {
	if m.Vertices != nil {
		m.Vertices.Release()
	}
	if m.Indices != nil {
		m.Indices.Release()
	}
}

// Model stages the vertices and indices of m through one staging buffer.
// A model without vertices yields a Noop job.
func Model(alloc gfx.Allocator, m *model.Model) (*staging.Job[*Mesh], error) {
	if m == nil || len(m.Vertices) == 0 {
		return staging.Noop[*Mesh](), nil
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}

	vertexData := staging.AsBytes(m.Vertices)
	indexData := staging.AsBytes(m.Indices)
	data := make([]byte, 0, len(vertexData)+len(indexData))
	data = append(append(data, vertexData...), indexData...)

	src, err := staging.StagingBuffer(alloc, data)
	if err != nil {
		return nil, err
	}
	vertices, err := staging.DeviceBuffer(alloc, gfx.BufferUsageVertex, uint64(len(vertexData)))
	if err != nil {
		src.Release()
		return nil, err
	}
	owned := []gfx.Releasable{vertices}

	var indices gfx.Buffer
	if len(indexData) > 0 {
		if indices, err = staging.DeviceBuffer(alloc, gfx.BufferUsageIndex, uint64(len(indexData))); err != nil {
			src.Release()
			vertices.Release()
			return nil, err
		}
		owned = append(owned, indices)
	}

	return staging.New[*Mesh](func(cb gfx.CommandBuffer) (*Mesh, error) {
		cb.CopyBuffer(src, vertices, gfx.BufferCopy{Size: uint64(len(vertexData))})
		if indices != nil {
			cb.CopyBuffer(src, indices, gfx.BufferCopy{
				SrcOffset: uint64(len(vertexData)),
				Size:      uint64(len(indexData)),
			})
		}
		return &Mesh{
			Vertices:    vertices,
			Indices:     indices,
			VertexCount: uint32(len(m.Vertices)),
			IndexCount:  uint32(len(m.Indices)),
			Model:       m,
		}, nil
	}, []gfx.Releasable{src}, owned), nil
}
