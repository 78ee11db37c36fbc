// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package model

import (
	"fmt"

	glm "github.com/go-gl/mathgl/mgl32"

	"github.com/devblok/koru/v2/util/collada"
)

// DecodeCollada converts the triangulated geometry of a Collada document.
// Without a visual scene every geometry gets an identity node.
func DecodeCollada(data []byte) (*Model, error) {
	doc, err := collada.Decode(data)
	if err != nil {
		return nil, err
	}
	if len(doc.Geometries) == 0 {
		return nil, fmt.Errorf("collada: no geometry")
	}

	b := newBuilder()
	meshes := make(map[string]int, len(doc.Geometries))
	for i := range doc.Geometries {
		g := &doc.Geometries[i]
		mesh := Mesh{Name: g.Name}
		for t := range g.Mesh.Triangles {
			p, err := b.triangles(&g.Mesh, &g.Mesh.Triangles[t])
			if err != nil {
				return nil, fmt.Errorf("geometry %s: %w", g.ID, err)
			}
			mesh.Primitives = append(mesh.Primitives, p)
		}
		meshes[g.ID] = len(b.model.Meshes)
		b.model.Meshes = append(b.model.Meshes, mesh)
	}

	if len(doc.VisualScenes) == 0 {
		for i, mesh := range b.model.Meshes {
			b.model.Nodes = append(b.model.Nodes, &Node{Name: mesh.Name, Local: glm.Ident4(), Mesh: i})
		}
		return b.model, nil
	}
	for _, n := range doc.VisualScenes[0].Nodes {
		node, err := colladaNode(n, meshes)
		if err != nil {
			return nil, err
		}
		b.model.Nodes = append(b.model.Nodes, node)
	}
	return b.model, nil
}

func (b *builder) triangles(mesh *collada.Mesh, tri *collada.Triangles) (Primitive, error) {
	vertex, ok := tri.Input("VERTEX")
	if !ok {
		return Primitive{}, fmt.Errorf("triangles without VERTEX input")
	}
	positions, err := positionSource(mesh, vertex.Source)
	if err != nil {
		return Primitive{}, err
	}
	normals, normalOffset := optionalSource(mesh, tri, "NORMAL")
	uvs, uvOffset := optionalSource(mesh, tri, "TEXCOORD")

	stride := tri.Stride()
	if stride == 0 || len(tri.Index)%stride != 0 {
		return Primitive{}, fmt.Errorf("index list of %d does not match stride %d", len(tri.Index), stride)
	}

	first := uint32(len(b.model.Indices))
	for at := 0; at < len(tri.Index); at += stride {
		idx := tri.Index[at : at+stride]
		var v Vertex

		pos, err := positions.Element(idx[vertex.Offset])
		if err != nil {
			return Primitive{}, err
		}
		v.Pos = glm.Vec3{pos[0], pos[1], pos[2]}
		if normals != nil {
			n, err := normals.Element(idx[normalOffset])
			if err != nil {
				return Primitive{}, err
			}
			v.Normal = glm.Vec3{n[0], n[1], n[2]}
		}
		if uvs != nil {
			uv, err := uvs.Element(idx[uvOffset])
			if err != nil {
				return Primitive{}, err
			}
			v.UV = glm.Vec2{uv[0], uv[1]}
		}
		b.vertex(v)
	}
	return Primitive{
		FirstIndex: first,
		IndexCount: uint32(len(b.model.Indices)) - first,
		Material:   -1,
	}, nil
}

// positionSource follows the VERTEX input through <vertices> to the
// POSITION source.
func positionSource(mesh *collada.Mesh, id string) (*collada.Source, error) {
	if src, ok := mesh.Source(id); ok {
		return src, nil
	}
	for _, in := range mesh.Vertices.Inputs {
		if in.Semantic == "POSITION" {
			if src, ok := mesh.Source(in.Source); ok {
				return src, nil
			}
		}
	}
	return nil, fmt.Errorf("position source %s not found", id)
}

func optionalSource(mesh *collada.Mesh, tri *collada.Triangles, semantic string) (*collada.Source, uint) {
	in, ok := tri.Input(semantic)
	if !ok {
		return nil, 0
	}
	src, ok := mesh.Source(in.Source)
	if !ok {
		return nil, 0
	}
	return src, in.Offset
}

func colladaNode(n collada.Node, meshes map[string]int) (*Node, error) {
	node := &Node{Name: n.Name, Local: glm.Ident4(), Mesh: -1}
	switch len(n.Matrix.Data) {
	case 0:
	case 16:
		// Collada matrices are row major.
		var m glm.Mat4
		copy(m[:], n.Matrix.Data)
		node.Local = m.Transpose()
	default:
		return nil, fmt.Errorf("node %s: matrix has %d elements", n.ID, len(n.Matrix.Data))
	}

	for i, inst := range n.Instances {
		idx, ok := meshes[trimRef(inst.URL)]
		if !ok {
			return nil, fmt.Errorf("node %s: geometry %s not found", n.ID, inst.URL)
		}
		if i == 0 {
			node.Mesh = idx
			continue
		}
		node.Children = append(node.Children, &Node{Name: n.Name, Local: glm.Ident4(), Mesh: idx})
	}
	for _, c := range n.Children {
		child, err := colladaNode(c, meshes)
		if err != nil {
			return nil, err
		}
		node.Children = append(node.Children, child)
	}
	return node, nil
}

func trimRef(url string) string {
	if len(url) > 0 && url[0] == '#' {
		return url[1:]
	}
	return url
}
