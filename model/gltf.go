// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package model

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	glm "github.com/go-gl/mathgl/mgl32"
)

const (
	glbMagic     = 0x46546C67 // "glTF"
	glbChunkJSON = 0x4E4F534A
	glbChunkBIN  = 0x004E4942

	componentUnsignedByte  = 5121
	componentUnsignedShort = 5123
	componentUnsignedInt   = 5125
	componentFloat         = 5126

	modeTriangles = 4
)

var errExternalBuffer = errors.New("external buffer without resolver")

type gltfDocument struct {
	Asset struct {
		Version string `json:"version"`
	} `json:"asset"`
	Scene  *int `json:"scene"`
	Scenes []struct {
		Nodes []int `json:"nodes"`
	} `json:"scenes"`
	Nodes       []gltfNode       `json:"nodes"`
	Meshes      []gltfMesh       `json:"meshes"`
	Accessors   []gltfAccessor   `json:"accessors"`
	BufferViews []gltfBufferView `json:"bufferViews"`
	Buffers     []gltfBuffer     `json:"buffers"`
}

type gltfNode struct {
	Name        string      `json:"name"`
	Mesh        *int        `json:"mesh"`
	Children    []int       `json:"children"`
	Matrix      []float32   `json:"matrix"`
	Translation *[3]float32 `json:"translation"`
	Rotation    *[4]float32 `json:"rotation"`
	Scale       *[3]float32 `json:"scale"`
}

type gltfMesh struct {
	Name       string          `json:"name"`
	Primitives []gltfPrimitive `json:"primitives"`
}

type gltfPrimitive struct {
	Attributes map[string]int `json:"attributes"`
	Indices    *int           `json:"indices"`
	Material   *int           `json:"material"`
	Mode       *int           `json:"mode"`
}

type gltfAccessor struct {
	BufferView    *int   `json:"bufferView"`
	ByteOffset    int    `json:"byteOffset"`
	ComponentType int    `json:"componentType"`
	Count         int    `json:"count"`
	Type          string `json:"type"`
}

type gltfBufferView struct {
	Buffer     int `json:"buffer"`
	ByteOffset int `json:"byteOffset"`
	ByteLength int `json:"byteLength"`
	ByteStride int `json:"byteStride"`
}

type gltfBuffer struct {
	URI        string `json:"uri"`
	ByteLength int    `json:"byteLength"`
	data       []byte
}

// DecodeGLTF converts a glTF 2.0 document, JSON or binary. Buffers are read
// from data URIs, the GLB binary chunk, or through resolve.
func DecodeGLTF(data []byte, resolve Resolver) (*Model, error) {
	var bin []byte
	if len(data) >= 12 && binary.LittleEndian.Uint32(data) == glbMagic {
		var err error
		if data, bin, err = splitGLB(data); err != nil {
			return nil, err
		}
	}

	var doc gltfDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("gltf: %w", err)
	}
	if !strings.HasPrefix(doc.Asset.Version, "2.") {
		return nil, fmt.Errorf("gltf: unsupported version %q", doc.Asset.Version)
	}
	if err := doc.loadBuffers(bin, resolve); err != nil {
		return nil, fmt.Errorf("gltf: %w", err)
	}

	m := &Model{}
	for i, mesh := range doc.Meshes {
		out := Mesh{Name: mesh.Name}
		for j, p := range mesh.Primitives {
			prim, err := doc.primitive(m, p)
			if err != nil {
				return nil, fmt.Errorf("gltf: mesh %d primitive %d: %w", i, j, err)
			}
			out.Primitives = append(out.Primitives, prim)
		}
		m.Meshes = append(m.Meshes, out)
	}

	roots, err := doc.roots()
	if err != nil {
		return nil, err
	}
	for _, idx := range roots {
		n, err := doc.node(idx, 0)
		if err != nil {
			return nil, err
		}
		m.Nodes = append(m.Nodes, n)
	}
	return m, nil
}

func splitGLB(data []byte) (jsonChunk, binChunk []byte, err error) {
	if version := binary.LittleEndian.Uint32(data[4:]); version != 2 {
		return nil, nil, fmt.Errorf("glb: unsupported version %d", version)
	}
	r := bytes.NewReader(data[12:])
	for r.Len() > 0 {
		var header struct {
			Length uint32
			Type   uint32
		}
		if err := binary.Read(r, binary.LittleEndian, &header); err != nil {
			return nil, nil, fmt.Errorf("glb: %w", err)
		}
		if int(header.Length) > r.Len() {
			return nil, nil, errors.New("glb: truncated chunk")
		}
		chunk := make([]byte, header.Length)
		_, _ = r.Read(chunk)
		switch header.Type {
		case glbChunkJSON:
			jsonChunk = chunk
		case glbChunkBIN:
			binChunk = chunk
		}
	}
	if jsonChunk == nil {
		return nil, nil, errors.New("glb: missing JSON chunk")
	}
	return jsonChunk, binChunk, nil
}

func (doc *gltfDocument) loadBuffers(bin []byte, resolve Resolver) error {
	for i := range doc.Buffers {
		buf := &doc.Buffers[i]
		switch {
		case buf.URI == "" && i == 0 && bin != nil:
			buf.data = bin
		case strings.HasPrefix(buf.URI, "data:"):
			comma := strings.IndexByte(buf.URI, ',')
			if comma < 0 || !strings.HasSuffix(buf.URI[:comma], ";base64") {
				return fmt.Errorf("buffer %d: unsupported data URI", i)
			}
			data, err := base64.StdEncoding.DecodeString(buf.URI[comma+1:])
			if err != nil {
				return fmt.Errorf("buffer %d: %w", i, err)
			}
			buf.data = data
		case buf.URI != "" && resolve != nil:
			data, err := resolve(buf.URI)
			if err != nil {
				return fmt.Errorf("buffer %d: %w", i, err)
			}
			buf.data = data
		case buf.URI != "":
			return fmt.Errorf("buffer %d: %s: %w", i, buf.URI, errExternalBuffer)
		default:
			return fmt.Errorf("buffer %d has no data", i)
		}
		if len(buf.data) < buf.ByteLength {
			return fmt.Errorf("buffer %d: %d bytes, expected %d", i, len(buf.data), buf.ByteLength)
		}
	}
	return nil
}

var componentCounts = map[string]int{"SCALAR": 1, "VEC2": 2, "VEC3": 3, "VEC4": 4}

// read returns the elements of accessor idx, one []byte per element.
func (doc *gltfDocument) read(idx int, wantType string) ([][]byte, int, error) {
	if idx < 0 || idx >= len(doc.Accessors) {
		return nil, 0, fmt.Errorf("accessor %d out of range", idx)
	}
	acc := doc.Accessors[idx]
	if wantType != "" && acc.Type != wantType {
		return nil, 0, fmt.Errorf("accessor %d is %s, expected %s", idx, acc.Type, wantType)
	}
	if acc.BufferView == nil || *acc.BufferView >= len(doc.BufferViews) {
		return nil, 0, fmt.Errorf("accessor %d has no buffer view", idx)
	}
	var size int
	switch acc.ComponentType {
	case componentUnsignedByte:
		size = 1
	case componentUnsignedShort:
		size = 2
	case componentUnsignedInt, componentFloat:
		size = 4
	default:
		return nil, 0, fmt.Errorf("accessor %d: component type %d", idx, acc.ComponentType)
	}
	elem := size * componentCounts[acc.Type]

	view := doc.BufferViews[*acc.BufferView]
	if view.Buffer >= len(doc.Buffers) {
		return nil, 0, fmt.Errorf("buffer view %d out of range", *acc.BufferView)
	}
	data := doc.Buffers[view.Buffer].data
	stride := view.ByteStride
	if stride == 0 {
		stride = elem
	}
	base := view.ByteOffset + acc.ByteOffset
	if acc.Count > 0 && base+(acc.Count-1)*stride+elem > len(data) {
		return nil, 0, fmt.Errorf("accessor %d exceeds its buffer", idx)
	}
	out := make([][]byte, acc.Count)
	for i := range out {
		at := base + i*stride
		out[i] = data[at : at+elem]
	}
	return out, acc.ComponentType, nil
}

func (doc *gltfDocument) floats(idx int, typ string) ([][]float32, error) {
	elems, ct, err := doc.read(idx, typ)
	if err != nil {
		return nil, err
	}
	if ct != componentFloat {
		return nil, fmt.Errorf("accessor %d: expected floats", idx)
	}
	out := make([][]float32, len(elems))
	for i, e := range elems {
		v := make([]float32, len(e)/4)
		for j := range v {
			v[j] = math.Float32frombits(binary.LittleEndian.Uint32(e[j*4:]))
		}
		out[i] = v
	}
	return out, nil
}

func (doc *gltfDocument) indices(idx int) ([]uint32, error) {
	elems, ct, err := doc.read(idx, "SCALAR")
	if err != nil {
		return nil, err
	}
	out := make([]uint32, len(elems))
	for i, e := range elems {
		switch ct {
		case componentUnsignedByte:
			out[i] = uint32(e[0])
		case componentUnsignedShort:
			out[i] = uint32(binary.LittleEndian.Uint16(e))
		case componentUnsignedInt:
			out[i] = binary.LittleEndian.Uint32(e)
		default:
			return nil, fmt.Errorf("accessor %d: indices must be unsigned integers", idx)
		}
	}
	return out, nil
}

func (doc *gltfDocument) primitive(m *Model, p gltfPrimitive) (Primitive, error) {
	if p.Mode != nil && *p.Mode != modeTriangles {
		return Primitive{}, fmt.Errorf("mode %d is not triangles", *p.Mode)
	}
	posIdx, ok := p.Attributes["POSITION"]
	if !ok {
		return Primitive{}, errors.New("no POSITION attribute")
	}
	positions, err := doc.floats(posIdx, "VEC3")
	if err != nil {
		return Primitive{}, err
	}
	vertices := make([]Vertex, len(positions))
	for i, pos := range positions {
		vertices[i].Pos = glm.Vec3{pos[0], pos[1], pos[2]}
	}
	if idx, ok := p.Attributes["NORMAL"]; ok {
		normals, err := doc.floats(idx, "VEC3")
		if err != nil {
			return Primitive{}, err
		}
		for i := 0; i < len(normals) && i < len(vertices); i++ {
			vertices[i].Normal = glm.Vec3{normals[i][0], normals[i][1], normals[i][2]}
		}
	}
	if idx, ok := p.Attributes["TEXCOORD_0"]; ok {
		uvs, err := doc.floats(idx, "VEC2")
		if err != nil {
			return Primitive{}, err
		}
		for i := 0; i < len(uvs) && i < len(vertices); i++ {
			vertices[i].UV = glm.Vec2{uvs[i][0], uvs[i][1]}
		}
	}

	var local []uint32
	if p.Indices != nil {
		if local, err = doc.indices(*p.Indices); err != nil {
			return Primitive{}, err
		}
	} else {
		local = make([]uint32, len(vertices))
		for i := range local {
			local[i] = uint32(i)
		}
	}

	offset := uint32(len(m.Vertices))
	first := uint32(len(m.Indices))
	for _, idx := range local {
		if int(idx) >= len(vertices) {
			return Primitive{}, fmt.Errorf("index %d out of %d vertices", idx, len(vertices))
		}
		m.Indices = append(m.Indices, offset+idx)
	}
	m.Vertices = append(m.Vertices, vertices...)

	material := -1
	if p.Material != nil {
		material = *p.Material
	}
	return Primitive{FirstIndex: first, IndexCount: uint32(len(local)), Material: material}, nil
}

func (doc *gltfDocument) roots() ([]int, error) {
	if len(doc.Scenes) > 0 {
		scene := 0
		if doc.Scene != nil {
			scene = *doc.Scene
		}
		if scene < 0 || scene >= len(doc.Scenes) {
			return nil, fmt.Errorf("gltf: scene %d out of range", scene)
		}
		return doc.Scenes[scene].Nodes, nil
	}

	// No scene: every node that is nobody's child is a root.
	child := make([]bool, len(doc.Nodes))
	for _, n := range doc.Nodes {
		for _, c := range n.Children {
			if c >= 0 && c < len(child) {
				child[c] = true
			}
		}
	}
	var roots []int
	for i, isChild := range child {
		if !isChild {
			roots = append(roots, i)
		}
	}
	return roots, nil
}

func (doc *gltfDocument) node(idx, depth int) (*Node, error) {
	if idx < 0 || idx >= len(doc.Nodes) {
		return nil, fmt.Errorf("gltf: node %d out of range", idx)
	}
	if depth > len(doc.Nodes) {
		return nil, errors.New("gltf: node hierarchy has a cycle")
	}
	src := doc.Nodes[idx]
	n := &Node{Name: src.Name, Local: src.transform(), Mesh: -1}
	if src.Mesh != nil {
		if *src.Mesh < 0 || *src.Mesh >= len(doc.Meshes) {
			return nil, fmt.Errorf("gltf: node %d: mesh %d out of range", idx, *src.Mesh)
		}
		n.Mesh = *src.Mesh
	}
	for _, c := range src.Children {
		child, err := doc.node(c, depth+1)
		if err != nil {
			return nil, err
		}
		n.Children = append(n.Children, child)
	}
	return n, nil
}

func (n gltfNode) transform() glm.Mat4 {
	if len(n.Matrix) == 16 {
		var m glm.Mat4
		copy(m[:], n.Matrix)
		return m
	}
	m := glm.Ident4()
	if t := n.Translation; t != nil {
		m = m.Mul4(glm.Translate3D(t[0], t[1], t[2]))
	}
	if r := n.Rotation; r != nil {
		q := glm.Quat{W: r[3], V: glm.Vec3{r[0], r[1], r[2]}}
		m = m.Mul4(q.Mat4())
	}
	if s := n.Scale; s != nil {
		m = m.Mul4(glm.Scale3D(s[0], s[1], s[2]))
	}
	return m
}
