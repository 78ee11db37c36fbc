// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package cache_test

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	qt "github.com/frankban/quicktest"

	"github.com/devblok/koru/v2/cache"
)

type texture struct {
	width, height int
	released      int32
}

func (t *texture) Release() {
	atomic.AddInt32(&t.released, 1)
}

type mesh struct {
	vertices int
}

func TestFindSharesIdentity(t *testing.T) {
	c := qt.New(t)
	rc := cache.New()

	a := cache.Emplace(rc, 42, &texture{width: 4, height: 4})
	b, ok := cache.Find[*texture](rc, 42)
	c.Assert(ok, qt.IsTrue)
	c.Assert(b.Get(), qt.Equals, a.Get())
	c.Assert(b.Same(a), qt.IsTrue)
	c.Assert(a.Refs(), qt.Equals, int64(2))

	tex := a.Get()
	a.Release()
	b.Release()

	_, ok = cache.Find[*texture](rc, 42)
	c.Assert(ok, qt.IsFalse)
	c.Assert(atomic.LoadInt32(&tex.released), qt.Equals, int32(1))
}

func TestDeadEntryIsPurgedOnAccess(t *testing.T) {
	c := qt.New(t)
	rc := cache.New()

	cache.Emplace(rc, 1, &texture{}).Release()
	c.Assert(cache.Len[*texture](rc), qt.Equals, 1)

	_, ok := cache.Find[*texture](rc, 1)
	c.Assert(ok, qt.IsFalse)
	c.Assert(cache.Len[*texture](rc), qt.Equals, 0)
}

func TestPartitionsAreKeyedByType(t *testing.T) {
	c := qt.New(t)
	rc := cache.New()

	h := cache.Emplace(rc, 7, &texture{})
	defer h.Release()

	_, ok := cache.Find[*mesh](rc, 7)
	c.Assert(ok, qt.IsFalse)
	_, ok = cache.Find[*texture](rc, 7)
	c.Assert(ok, qt.IsTrue)
}

func TestAtPanicsWhenAbsent(t *testing.T) {
	c := qt.New(t)
	rc := cache.New()

	c.Assert(func() { cache.At[*mesh](rc, 9) }, qt.PanicMatches, `precondition violated: no live \*cache_test.mesh cached under 0+9`)

	h := cache.Emplace(rc, 9, &mesh{vertices: 3})
	got := cache.At[*mesh](rc, 9)
	c.Assert(got.Get().vertices, qt.Equals, 3)
	got.Release()
	h.Release()
}

func TestRemove(t *testing.T) {
	c := qt.New(t)
	rc := cache.New()

	h := cache.Emplace(rc, 3, &mesh{vertices: 8})
	removed, ok := cache.Remove[*mesh](rc, 3)
	c.Assert(ok, qt.IsTrue)
	c.Assert(removed.Same(h), qt.IsTrue)
	removed.Release()

	_, ok = cache.Find[*mesh](rc, 3)
	c.Assert(ok, qt.IsFalse)
	c.Assert(h.Get().vertices, qt.Equals, 8)
	h.Release()

	cache.Emplace(rc, 4, &mesh{}).Release()
	_, ok = cache.Remove[*mesh](rc, 4)
	c.Assert(ok, qt.IsFalse)
	c.Assert(cache.Len[*mesh](rc), qt.Equals, 0)
}

func TestInsertReplacesEntry(t *testing.T) {
	c := qt.New(t)
	rc := cache.New()

	first := cache.Emplace(rc, 5, &mesh{vertices: 1})
	second := cache.Insert(rc, 5, cache.NewHandle(&mesh{vertices: 2}))

	found, ok := cache.Find[*mesh](rc, 5)
	c.Assert(ok, qt.IsTrue)
	c.Assert(found.Same(second), qt.IsTrue)

	found.Release()
	first.Release()
	second.Release()
}

func TestHandleMisuse(t *testing.T) {
	c := qt.New(t)

	h := cache.NewHandle(&mesh{})
	clone := h.Clone()
	h.Release()
	h.Release()
	c.Assert(clone.Refs(), qt.Equals, int64(1))
	c.Assert(func() { h.Get() }, qt.PanicMatches, "precondition violated: Get on released handle")
	c.Assert(func() { h.Clone() }, qt.PanicMatches, "precondition violated: Clone on released handle")
	clone.Release()

	var nilHandle *cache.Handle[*mesh]
	nilHandle.Release()
}

func TestNewHandleFuncDestroysOnce(t *testing.T) {
	c := qt.New(t)

	var destroyed int
	h := cache.NewHandleFunc(3, func(v int) { destroyed += v })
	clones := []*cache.Handle[int]{h.Clone(), h.Clone()}
	h.Release()
	for _, cl := range clones {
		c.Assert(destroyed, qt.Equals, 0)
		cl.Release()
	}
	c.Assert(destroyed, qt.Equals, 3)
}

func TestLoadBuildsOncePerLiveResource(t *testing.T) {
	c := qt.New(t)
	rc := cache.New()

	var builds int32
	release := make(chan struct{})
	build := func() (*mesh, error) {
		atomic.AddInt32(&builds, 1)
		<-release
		return &mesh{vertices: 36}, nil
	}

	const callers = 16
	handles := make([]*cache.Handle[*mesh], callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := cache.Load(rc, cache.KeyID("cube.dae"), build)
			if err != nil {
				t.Error(err)
				return
			}
			handles[i] = h
		}(i)
	}
	close(release)
	wg.Wait()

	for _, h := range handles[1:] {
		c.Assert(h.Same(handles[0]), qt.IsTrue)
	}
	// Callers arriving during the build share it, later ones find the
	// live entry.
	c.Assert(atomic.LoadInt32(&builds), qt.Equals, int32(1))

	// Every caller still holds its handle, so a later Load must not build.
	before := atomic.LoadInt32(&builds)
	again, err := cache.Load(rc, cache.KeyID("cube.dae"), build)
	c.Assert(err, qt.IsNil)
	c.Assert(again.Same(handles[0]), qt.IsTrue)
	c.Assert(atomic.LoadInt32(&builds), qt.Equals, before)

	again.Release()
	for _, h := range handles {
		h.Release()
	}
	_, ok := cache.Find[*mesh](rc, cache.KeyID("cube.dae"))
	c.Assert(ok, qt.IsFalse)
}

func TestLoadPropagatesBuildError(t *testing.T) {
	c := qt.New(t)
	rc := cache.New()

	boom := errors.New("decode failed")
	_, err := cache.Load(rc, 11, func() (*mesh, error) { return nil, boom })
	c.Assert(err, qt.Equals, boom)
	c.Assert(cache.Len[*mesh](rc), qt.Equals, 0)
}

func TestPrune(t *testing.T) {
	c := qt.New(t)
	rc := cache.New()

	live := cache.Emplace(rc, 1, &mesh{})
	cache.Emplace(rc, 2, &mesh{}).Release()
	cache.Emplace(rc, 3, &texture{}).Release()

	c.Assert(rc.Prune(), qt.Equals, 2)
	c.Assert(cache.Len[*mesh](rc), qt.Equals, 1)
	c.Assert(cache.Len[*texture](rc), qt.Equals, 0)
	live.Release()
}

func TestIDStability(t *testing.T) {
	c := qt.New(t)

	c.Assert(cache.NewID("res/heightmap.png", 1), qt.Equals, cache.NewID("./res/../res/heightmap.png", 1))
	c.Assert(cache.NewID("res/heightmap.png", 1), qt.Not(qt.Equals), cache.NewID("res/heightmap.png", 2))
	c.Assert(cache.KeyID("a", "bc"), qt.Not(qt.Equals), cache.KeyID("ab", "c"))
	c.Assert(cache.ID(0x2a).String(), qt.Equals, "000000000000002a")
}
