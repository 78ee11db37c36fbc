// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package loader_test

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	qt "github.com/frankban/quicktest"
	glm "github.com/go-gl/mathgl/mgl32"
	"golang.org/x/image/bmp"

	"github.com/devblok/koru/v2/asset"
	"github.com/devblok/koru/v2/cache"
	"github.com/devblok/koru/v2/gfx"
	"github.com/devblok/koru/v2/gfx/soft"
	"github.com/devblok/koru/v2/loader"
	"github.com/devblok/koru/v2/model"
	"github.com/devblok/koru/v2/staging"
)

func newUploader(c *qt.C, d *soft.Device) *staging.Uploader {
	u, err := staging.NewUploader(d)
	c.Assert(err, qt.IsNil)
	c.Cleanup(u.Close)
	return u
}

func gradient(w, h int) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = uint8(i * 10)
	}
	return img
}

func encodePNG(c *qt.C, img image.Image) []byte {
	var buf bytes.Buffer
	c.Assert(png.Encode(&buf, img), qt.IsNil)
	return buf.Bytes()
}

func TestGrid(t *testing.T) {
	c := qt.New(t)
	c.Assert(loader.Grid(0), qt.HasLen, 0)

	g := loader.Grid(2)
	c.Assert(g, qt.HasLen, 16)
	c.Assert(g[:4], qt.DeepEquals, []loader.TerrainVertex{
		{Pos: glm.Vec2{0, 0}, UV: glm.Vec2{0, 0}},
		{Pos: glm.Vec2{0, 1}, UV: glm.Vec2{0, 0.5}},
		{Pos: glm.Vec2{1, 0}, UV: glm.Vec2{0.5, 0}},
		{Pos: glm.Vec2{1, 1}, UV: glm.Vec2{0.5, 0.5}},
	})
	c.Assert(g[15], qt.Equals, loader.TerrainVertex{Pos: glm.Vec2{2, 2}, UV: glm.Vec2{1, 1}})
}

func TestTerrainUpload(t *testing.T) {
	c := qt.New(t)
	d := soft.NewDevice()
	heightmap := gradient(4, 2)

	job, err := loader.Terrain(d, heightmap, 3)
	c.Assert(err, qt.IsNil)
	c.Assert(job.Empty(), qt.IsFalse)

	terrain, err := staging.Upload(newUploader(c, d), job)
	c.Assert(err, qt.IsNil)
	c.Assert(terrain.VertexCount, qt.Equals, uint32(36))
	c.Assert(d.Contents(terrain.Vertices), qt.DeepEquals, staging.AsBytes(loader.Grid(3)))
	c.Assert(d.ImageContents(terrain.Heightmap.Image), qt.DeepEquals, heightmap.Pix)
	c.Assert(d.Layout(terrain.Heightmap.Image), qt.Equals, gfx.ImageLayoutShaderReadOnly)
	c.Assert(terrain.Heightmap.Format, qt.Equals, gfx.FormatR8Unorm)

	terrain.Release()
	c.Assert(d.Live(), qt.Equals, 0)
}

func TestTerrainEdgeCases(t *testing.T) {
	c := qt.New(t)
	d := soft.NewDevice()

	_, err := loader.Terrain(d, nil, 3)
	c.Assert(err, qt.ErrorMatches, "terrain: missing heightmap")

	job, err := loader.Terrain(d, gradient(2, 2), 0)
	c.Assert(err, qt.IsNil)
	c.Assert(job.Empty(), qt.IsTrue)
	c.Assert(d.Live(), qt.Equals, 0)
}

func TestTerrainAllocationFailureRollsBack(t *testing.T) {
	c := qt.New(t)
	// Room for the grid, not for the heightmap.
	grid := uint64(len(staging.AsBytes(loader.Grid(1))))
	d := soft.NewDevice(soft.WithDeviceBudget(grid))

	_, err := loader.Terrain(d, gradient(64, 64), 1)
	c.Assert(errors.Is(err, gfx.ErrOutOfDeviceMemory), qt.IsTrue)
	c.Assert(d.Live(), qt.Equals, 0)
	host, device := d.Usage()
	c.Assert(host, qt.Equals, uint64(0))
	c.Assert(device, qt.Equals, uint64(0))
}

func TestPixels(t *testing.T) {
	c := qt.New(t)
	src := image.NewNRGBA(image.Rect(0, 0, 2, 1))
	src.SetNRGBA(0, 0, color.NRGBA{R: 255, A: 255})
	src.SetNRGBA(1, 0, color.NRGBA{B: 255, A: 255})

	rgba, err := loader.Pixels(src, gfx.FormatR8G8B8A8Unorm)
	c.Assert(err, qt.IsNil)
	c.Assert(rgba, qt.DeepEquals, []byte{255, 0, 0, 255, 0, 0, 255, 255})

	gray, err := loader.Pixels(src, gfx.FormatR8Unorm)
	c.Assert(err, qt.IsNil)
	c.Assert(gray, qt.HasLen, 2)

	// A sub image is packed from its own origin.
	sub := gradient(4, 4).SubImage(image.Rect(2, 2, 4, 4))
	packed, err := loader.Pixels(sub, gfx.FormatR8Unorm)
	c.Assert(err, qt.IsNil)
	c.Assert(packed, qt.DeepEquals, []byte{100, 110, 140, 150})

	// Leading rows share the parent's storage but stop at their last row.
	top := gradient(4, 4).SubImage(image.Rect(0, 0, 4, 2))
	packed, err = loader.Pixels(top, gfx.FormatR8Unorm)
	c.Assert(err, qt.IsNil)
	c.Assert(packed, qt.DeepEquals, []byte{0, 10, 20, 30, 40, 50, 60, 70})

	row := image.NewRGBA(image.Rect(0, 0, 4, 3)).SubImage(image.Rect(0, 0, 4, 1))
	packed, err = loader.Pixels(row, gfx.FormatR8G8B8A8Srgb)
	c.Assert(err, qt.IsNil)
	c.Assert(packed, qt.HasLen, 16)

	_, err = loader.Pixels(src, gfx.FormatUndefined)
	c.Assert(errors.Is(err, gfx.ErrUnsupported), qt.IsTrue)
}

func TestDecodeImageFallback(t *testing.T) {
	c := qt.New(t)
	var buf bytes.Buffer
	c.Assert(bmp.Encode(&buf, gradient(3, 3)), qt.IsNil)

	img, err := loader.DecodeImage(buf.Bytes())
	c.Assert(err, qt.IsNil)
	c.Assert(img.Bounds().Dx(), qt.Equals, 3)

	_, err = loader.DecodeImage([]byte("not an image"))
	c.Assert(err, qt.Equals, loader.ErrImageFormat)
}

func TestFit(t *testing.T) {
	c := qt.New(t)
	img := image.NewRGBA(image.Rect(0, 0, 200, 100))
	c.Assert(loader.Fit(img, 0), qt.Equals, image.Image(img))
	c.Assert(loader.Fit(img, 400), qt.Equals, image.Image(img))
	c.Assert(loader.Fit(img, 50).Bounds(), qt.Equals, image.Rect(0, 0, 50, 25))
	c.Assert(loader.Fit(image.NewRGBA(image.Rect(0, 0, 1, 300)), 30).Bounds(), qt.Equals, image.Rect(0, 0, 1, 30))
}

func TestImageUpload(t *testing.T) {
	c := qt.New(t)
	d := soft.NewDevice()

	job, err := loader.Image(d, image.NewRGBA(image.Rect(0, 0, 0, 0)), gfx.FormatR8G8B8A8Srgb)
	c.Assert(err, qt.IsNil)
	c.Assert(job.Empty(), qt.IsTrue)

	src := image.NewRGBA(image.Rect(0, 0, 2, 2))
	for i := range src.Pix {
		src.Pix[i] = uint8(i)
	}
	job, err = loader.Image(d, src, gfx.FormatR8G8B8A8Srgb)
	c.Assert(err, qt.IsNil)
	tex, err := staging.Upload(newUploader(c, d), job)
	c.Assert(err, qt.IsNil)
	c.Assert(tex.Width, qt.Equals, uint32(2))
	c.Assert(d.ImageContents(tex.Image), qt.DeepEquals, src.Pix)
	tex.Release()
	c.Assert(d.Live(), qt.Equals, 0)
}

func triangle() *model.Model {
	return &model.Model{
		Vertices: []model.Vertex{
			{Pos: glm.Vec3{0, 0, 0}},
			{Pos: glm.Vec3{1, 0, 0}},
			{Pos: glm.Vec3{0, 1, 0}},
		},
		Indices: []uint32{0, 1, 2},
		Meshes:  []model.Mesh{{Name: "tri", Primitives: []model.Primitive{{IndexCount: 3, Material: -1}}}},
	}
}

func TestModelUpload(t *testing.T) {
	c := qt.New(t)
	d := soft.NewDevice()
	m := triangle()

	job, err := loader.Model(d, m)
	c.Assert(err, qt.IsNil)
	mesh, err := staging.Upload(newUploader(c, d), job)
	c.Assert(err, qt.IsNil)
	c.Assert(mesh.VertexCount, qt.Equals, uint32(3))
	c.Assert(mesh.IndexCount, qt.Equals, uint32(3))
	c.Assert(d.Contents(mesh.Vertices), qt.DeepEquals, staging.AsBytes(m.Vertices))
	c.Assert(d.Contents(mesh.Indices), qt.DeepEquals, staging.AsBytes(m.Indices))
	c.Assert(mesh.Vertices.Usage()&gfx.BufferUsageVertex, qt.Not(qt.Equals), gfx.BufferUsage(0))
	c.Assert(mesh.Indices.Usage()&gfx.BufferUsageIndex, qt.Not(qt.Equals), gfx.BufferUsage(0))
	mesh.Release()
	c.Assert(d.Live(), qt.Equals, 0)
}

func TestModelValidation(t *testing.T) {
	c := qt.New(t)
	d := soft.NewDevice()

	job, err := loader.Model(d, &model.Model{})
	c.Assert(err, qt.IsNil)
	c.Assert(job.Empty(), qt.IsTrue)

	m := triangle()
	m.Indices[2] = 7
	_, err = loader.Model(d, m)
	c.Assert(err, qt.ErrorMatches, "index 2 references vertex 7 of 3")
	c.Assert(d.Live(), qt.Equals, 0)
}

const triangleDAE = `<?xml version="1.0" encoding="utf-8"?>
<COLLADA xmlns="http://www.collada.org/2005/11/COLLADASchema" version="1.4.1">
  <library_geometries>
    <geometry id="Tri-mesh" name="Tri">
      <mesh>
        <source id="Tri-positions">
          <float_array id="Tri-positions-array" count="9">0 0 0 1 0 0 0 1 0</float_array>
          <technique_common><accessor count="3" stride="3"/></technique_common>
        </source>
        <vertices id="Tri-vertices">
          <input semantic="POSITION" source="#Tri-positions"/>
        </vertices>
        <triangles count="1">
          <input semantic="VERTEX" source="#Tri-vertices" offset="0"/>
          <p>0 1 2</p>
        </triangles>
      </mesh>
    </geometry>
  </library_geometries>
</COLLADA>`

const emptyDAE = `<COLLADA><library_geometries><geometry id="Nothing"><mesh></mesh></geometry></library_geometries></COLLADA>`

type fixture struct {
	root    string
	device  *soft.Device
	cache   *cache.Cache
	manager *loader.Manager
}

func newFixture(c *qt.C, options ...soft.Option) *fixture {
	root := c.Mkdir()
	files := map[string][]byte{
		"textures/height.png": encodePNG(c, gradient(8, 8)),
		"models/tri.dae":      []byte(triangleDAE),
		"models/empty.dae":    []byte(emptyDAE),
		"notes.txt":           []byte("hello"),
	}
	for name, data := range files {
		p := filepath.Join(root, filepath.FromSlash(name))
		c.Assert(os.MkdirAll(filepath.Dir(p), 0o755), qt.IsNil)
		c.Assert(os.WriteFile(p, data, 0o644), qt.IsNil)
	}
	d := soft.NewDevice(options...)
	cc := cache.New()
	return &fixture{
		root:    root,
		device:  d,
		cache:   cc,
		manager: loader.NewManager(cc, asset.Dir(root), d, newUploader(c, d), loader.WithWorkers(2)),
	}
}

func TestManagerSharesLiveResources(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c)

	a, err := f.manager.Texture("textures/height.png", gfx.FormatR8G8B8A8Unorm)
	c.Assert(err, qt.IsNil)
	b, err := f.manager.Texture("textures/height.png", gfx.FormatR8G8B8A8Unorm)
	c.Assert(err, qt.IsNil)
	c.Assert(a.Same(b), qt.IsTrue)
	c.Assert(f.device.Live(), qt.Equals, 1)

	// Different parameters are a different resource.
	gray, err := f.manager.Texture("textures/height.png", gfx.FormatR8Unorm)
	c.Assert(err, qt.IsNil)
	c.Assert(f.device.Live(), qt.Equals, 2)
	c.Assert(f.device.ImageContents(gray.Get().Image), qt.DeepEquals, gradient(8, 8).Pix)

	a.Release()
	b.Release()
	gray.Release()
	c.Assert(f.device.Live(), qt.Equals, 0)

	// Dead entries are rebuilt.
	again, err := f.manager.Texture("textures/height.png", gfx.FormatR8G8B8A8Unorm)
	c.Assert(err, qt.IsNil)
	c.Assert(f.device.Live(), qt.Equals, 1)
	again.Release()
}

func TestManagerInvalidate(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c)

	old, err := f.manager.Mesh("models/tri.dae")
	c.Assert(err, qt.IsNil)
	defer old.Release()
	c.Assert(old.Get().IndexCount, qt.Equals, uint32(3))

	c.Assert(f.manager.Invalidate("models/tri.dae"), qt.Equals, 1)
	c.Assert(f.manager.Invalidate("models/tri.dae"), qt.Equals, 0)

	fresh, err := f.manager.Mesh("models/tri.dae")
	c.Assert(err, qt.IsNil)
	defer fresh.Release()
	c.Assert(fresh.Same(old), qt.IsFalse)
	// The invalidated handle is still usable by its holder.
	c.Assert(old.Get().Vertices, qt.Not(qt.IsNil))
}

func TestManagerErrors(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c)

	_, err := f.manager.Mesh("models/empty.dae")
	c.Assert(errors.Is(err, loader.ErrEmpty), qt.IsTrue)
	c.Assert(err, qt.ErrorMatches, "models/empty.dae: empty asset")

	_, err = f.manager.Texture("notes.txt", gfx.FormatR8Unorm)
	c.Assert(errors.Is(err, loader.ErrImageFormat), qt.IsTrue)

	_, err = f.manager.Mesh("models/missing.dae")
	c.Assert(errors.Is(err, os.ErrNotExist), qt.IsTrue)
	c.Assert(f.device.Live(), qt.Equals, 0)
}

func TestManagerTerrain(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c)

	h, err := f.manager.Terrain("textures/height.png", 0)
	c.Assert(err, qt.IsNil)
	defer h.Release()
	c.Assert(h.Get().VertexCount, qt.Equals, uint32(loader.DefaultQuads*loader.DefaultQuads*4))
	c.Assert(h.Get().Heightmap.Width, qt.Equals, uint32(8))
}

func TestManagerAllocationFailure(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c, soft.WithDeviceBudget(16))

	_, err := f.manager.Texture("textures/height.png", gfx.FormatR8G8B8A8Unorm)
	c.Assert(gfx.IsAllocationFailure(err), qt.IsTrue)
	c.Assert(f.device.Live(), qt.Equals, 0)
}

func TestPreload(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c)

	bundle, err := f.manager.Preload(context.Background(), "textures/height.png", "models/tri.dae")
	c.Assert(err, qt.IsNil)
	c.Assert(bundle.Len(), qt.Equals, 2)
	c.Assert(bundle.Has("models/tri.dae"), qt.IsTrue)
	c.Assert(f.device.Live(), qt.Equals, 3)

	bundle.Release()
	c.Assert(f.device.Live(), qt.Equals, 0)

	_, err = f.manager.Preload(context.Background(), "textures/height.png", "notes.txt")
	c.Assert(errors.Is(err, model.ErrFormat), qt.IsTrue)
	c.Assert(f.device.Live(), qt.Equals, 0)
}

func TestKindOf(t *testing.T) {
	c := qt.New(t)
	c.Assert(loader.KindOf("a/b.PNG"), qt.Equals, loader.KindTexture)
	c.Assert(loader.KindOf("scene.glb"), qt.Equals, loader.KindMesh)
	c.Assert(loader.KindOf("readme"), qt.Equals, loader.KindUnknown)
}
