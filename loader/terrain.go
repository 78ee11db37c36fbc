// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package loader

import (
	"errors"
	"image"

	glm "github.com/go-gl/mathgl/mgl32"

	"github.com/devblok/koru/v2/gfx"
	"github.com/devblok/koru/v2/staging"
)

// DefaultQuads is the terrain grid size used when none is given.
const DefaultQuads = 50

// TerrainVertex is one corner of a terrain quad. The height is sampled
// from the heightmap in the vertex shader.
type TerrainVertex struct {
	Pos glm.Vec2
	UV  glm.Vec2
}

// Heightfield is an uploaded terrain: a quad grid and its heightmap.
type Heightfield struct {
	Vertices    gfx.Buffer
	VertexCount uint32
	Heightmap   *Texture
}

// Release frees the vertex buffer and the heightmap.
func (h *Heightfield) Release() {
	if h.Vertices != nil {
		h.Vertices.Release()
	}
	if h.Heightmap != nil {
		h.Heightmap.Release()
	}
}

// Grid returns quads*quads quads, four vertices each, covering
// [0, quads] on both axes with texture coordinates spanning [0, 1].
func Grid(quads int) []TerrainVertex {
	if quads <= 0 {
		return nil
	}
	vertices := make([]TerrainVertex, 0, quads*quads*4)
	n := float32(quads)
	for i := 0; i < quads; i++ {
		for j := 0; j < quads; j++ {
			x, y := float32(i), float32(j)
			vertices = append(vertices,
				TerrainVertex{Pos: glm.Vec2{x, y}, UV: glm.Vec2{x / n, y / n}},
				TerrainVertex{Pos: glm.Vec2{x, y + 1}, UV: glm.Vec2{x / n, (y + 1) / n}},
				TerrainVertex{Pos: glm.Vec2{x + 1, y}, UV: glm.Vec2{(x + 1) / n, y / n}},
				TerrainVertex{Pos: glm.Vec2{x + 1, y + 1}, UV: glm.Vec2{(x + 1) / n, (y + 1) / n}},
			)
		}
	}
	return vertices
}

// Terrain stages a grid of quads and the single channel heightmap. The
// heightmap is required; a grid without quads yields a Noop job.
func Terrain(alloc gfx.Allocator, heightmap image.Image, quads int) (*staging.Job[*Heightfield], error) {
	if heightmap == nil || heightmap.Bounds().Empty() {
		return nil, errors.New("terrain: missing heightmap")
	}
	vertices := Grid(quads)
	if len(vertices) == 0 {
		return staging.Noop[*Heightfield](), nil
	}

	pix, err := Pixels(heightmap, gfx.FormatR8Unorm)
	if err != nil {
		return nil, err
	}
	data := staging.AsBytes(vertices)
	b := heightmap.Bounds()
	extent := gfx.Extent3D{Width: uint32(b.Dx()), Height: uint32(b.Dy()), Depth: 1}

	var (
		staged   []gfx.Releasable
		owned    []gfx.Releasable
		rollback = func() {
			for _, r := range append(staged, owned...) {
				r.Release()
			}
		}
	)

	vertexStaging, err := staging.StagingBuffer(alloc, data)
	if err != nil {
		return nil, err
	}
	staged = append(staged, vertexStaging)
	vertexBuffer, err := staging.DeviceBuffer(alloc, gfx.BufferUsageVertex, uint64(len(data)))
	if err != nil {
		rollback()
		return nil, err
	}
	owned = append(owned, vertexBuffer)

	heightStaging, err := staging.StagingBuffer(alloc, pix)
	if err != nil {
		rollback()
		return nil, err
	}
	staged = append(staged, heightStaging)
	heightImage, err := staging.DeviceImage(alloc, extent, gfx.FormatR8Unorm)
	if err != nil {
		rollback()
		return nil, err
	}
	owned = append(owned, heightImage)

	count := uint32(len(vertices))
	return staging.New[*Heightfield](func(cb gfx.CommandBuffer) (*Heightfield, error) {
		cb.CopyBuffer(vertexStaging, vertexBuffer, gfx.BufferCopy{Size: uint64(len(data))})
		uploadImage(cb, heightStaging, heightImage)
		return &Heightfield{
			Vertices:    vertexBuffer,
			VertexCount: count,
			Heightmap: &Texture{
				Image:  heightImage,
				Format: gfx.FormatR8Unorm,
				Width:  extent.Width,
				Height: extent.Height,
			},
		}, nil
	}, staged, owned), nil
}
