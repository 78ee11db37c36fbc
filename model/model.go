// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package model holds CPU side mesh data and decodes it from Collada and
// glTF files.
package model

import (
	"errors"
	"fmt"
	"math"
	"path"
	"strings"
	"unsafe"

	glm "github.com/go-gl/mathgl/mgl32"
)

// ErrFormat is returned for files no decoder understands.
var ErrFormat = errors.New("unknown model format")

// Vertex is a model vertex
type Vertex struct {
	Pos    glm.Vec3
	Normal glm.Vec3
	UV     glm.Vec2
}

// VertexSize is the size of one Vertex in a vertex buffer.
const VertexSize = int(unsafe.Sizeof(Vertex{}))

// Uniform defines a model-view-projection object
type Uniform struct {
	Model      glm.Mat4
	View       glm.Mat4
	Projection glm.Mat4
}

// Primitive is a range of the model index buffer.
type Primitive struct {
	FirstIndex uint32
	IndexCount uint32
	Material   int
}

// Mesh groups the primitives drawn for one node.
type Mesh struct {
	Name       string
	Primitives []Primitive
}

// Node places a mesh in the model hierarchy. Mesh is -1 for transform-only
// nodes.
type Node struct {
	Name     string
	Local    glm.Mat4
	Mesh     int
	Children []*Node
}

// Model stores every mesh of a file in one vertex and one index array.
type Model struct {
	Vertices []Vertex
	Indices  []uint32
	Meshes   []Mesh
	Nodes    []*Node
}

// Resolver loads a file referenced by a model, relative to the model.
type Resolver func(uri string) ([]byte, error)

// Decode picks the decoder by the extension of name.
func Decode(name string, data []byte, resolve Resolver) (*Model, error) {
	var (
		m   *Model
		err error
	)
	switch strings.ToLower(path.Ext(name)) {
	case ".dae":
		m, err = DecodeCollada(data)
	case ".gltf", ".glb":
		m, err = DecodeGLTF(data, resolve)
	default:
		return nil, fmt.Errorf("%s: %w", name, ErrFormat)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return m, nil
}

// Walk calls fn for every node, depth first, with its world transform.
func (m *Model) Walk(fn func(n *Node, world glm.Mat4)) {
	var walk func(n *Node, parent glm.Mat4)
	walk = func(n *Node, parent glm.Mat4) {
		world := parent.Mul4(n.Local)
		fn(n, world)
		for _, child := range n.Children {
			walk(child, world)
		}
	}
	for _, n := range m.Nodes {
		walk(n, glm.Ident4())
	}
}

// Bounds returns the axis aligned box around all vertices in model space.
func (m *Model) Bounds() (min, max glm.Vec3) {
	if len(m.Vertices) == 0 {
		return
	}
	inf := float32(math.Inf(1))
	min = glm.Vec3{inf, inf, inf}
	max = glm.Vec3{-inf, -inf, -inf}
	for _, v := range m.Vertices {
		for i := 0; i < 3; i++ {
			if v.Pos[i] < min[i] {
				min[i] = v.Pos[i]
			}
			if v.Pos[i] > max[i] {
				max[i] = v.Pos[i]
			}
		}
	}
	return min, max
}

// Validate checks that every index and primitive range is in bounds.
func (m *Model) Validate() error {
	for i, idx := range m.Indices {
		if int(idx) >= len(m.Vertices) {
			return fmt.Errorf("index %d references vertex %d of %d", i, idx, len(m.Vertices))
		}
	}
	for _, mesh := range m.Meshes {
		for _, p := range mesh.Primitives {
			if int(p.FirstIndex+p.IndexCount) > len(m.Indices) {
				return fmt.Errorf("mesh %q: primitive exceeds index buffer", mesh.Name)
			}
		}
	}
	return nil
}

// builder deduplicates vertices while meshes are appended.
type builder struct {
	model *Model
	seen  map[Vertex]uint32
}

func newBuilder() *builder {
	return &builder{model: &Model{}, seen: make(map[Vertex]uint32)}
}

func (b *builder) vertex(v Vertex) {
	idx, ok := b.seen[v]
	if !ok {
		idx = uint32(len(b.model.Vertices))
		b.model.Vertices = append(b.model.Vertices, v)
		b.seen[v] = idx
	}
	b.model.Indices = append(b.model.Indices, idx)
}
