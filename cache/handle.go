// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package cache

import (
	"sync/atomic"

	"github.com/devblok/koru/v2/gfx"
)

// ref is the control block shared by every Handle to one resource.
// The Cache keeps a *ref without counting it, which makes it the weak side.
type ref[T any] struct {
	count   atomic.Int64
	value   T
	destroy func(T)
}

// acquire takes a strong reference only if the resource is still alive.
func (r *ref[T]) acquire() bool {
	for {
		n := r.count.Load()
		if n <= 0 {
			return false
		}
		if r.count.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

func (r *ref[T]) release() {
	n := r.count.Add(-1)
	if n < 0 {
		gfx.Precondition("resource released more times than it was referenced")
	}
	if n > 0 {
		return
	}
	if r.destroy != nil {
		r.destroy(r.value)
	}
	var zero T
	r.value = zero
}

func (r *ref[T]) alive() bool {
	return r.count.Load() > 0
}

// Handle is shared ownership of a resource. Every Handle holds exactly one
// strong reference; Clone creates another, Release gives this one up.
// When the last reference is released the resource is destroyed.
type Handle[T any] struct {
	ref      *ref[T]
	released atomic.Bool
}

// NewHandle wraps v in a fresh handle. If v implements gfx.Releasable it is
// released together with the last handle.
func NewHandle[T any](v T) *Handle[T] {
	return NewHandleFunc(v, releaseValue[T])
}

// NewHandleFunc wraps v in a fresh handle that runs destroy once the last
// reference is gone. destroy may be nil.
func NewHandleFunc[T any](v T, destroy func(T)) *Handle[T] {
	r := &ref[T]{value: v, destroy: destroy}
	r.count.Store(1)
	return &Handle[T]{ref: r}
}

func releaseValue[T any](v T) {
	if r, ok := any(v).(gfx.Releasable); ok {
		r.Release()
	}
}

// Get returns the resource. Calling Get on a released handle panics.
func (h *Handle[T]) Get() T {
	h.mustBeLive("Get")
	return h.ref.value
}

// Clone returns a new handle sharing ownership of the same resource.
func (h *Handle[T]) Clone() *Handle[T] {
	h.mustBeLive("Clone")
	h.ref.count.Add(1)
	return &Handle[T]{ref: h.ref}
}

// Release drops the reference held by h. Releasing twice is a no-op,
// as is releasing a nil handle.
func (h *Handle[T]) Release() {
	if h == nil || h.ref == nil {
		return
	}
	if h.released.CompareAndSwap(false, true) {
		h.ref.release()
	}
}

// Same reports whether h and o refer to the same resource instance.
func (h *Handle[T]) Same(o *Handle[T]) bool {
	return h != nil && o != nil && h.ref == o.ref
}

// Refs returns the current number of strong references, for diagnostics.
func (h *Handle[T]) Refs() int64 {
	return h.ref.count.Load()
}

func (h *Handle[T]) mustBeLive(op string) {
	if h == nil || h.ref == nil {
		gfx.Precondition("%s on nil handle", op)
	}
	if h.released.Load() {
		gfx.Precondition("%s on released handle", op)
	}
}

// tryClone produces a strong handle from the control block of h without
// requiring h itself to still be live.
func (h *Handle[T]) tryClone() (*Handle[T], bool) {
	return acquireHandle(h.ref)
}

func acquireHandle[T any](r *ref[T]) (*Handle[T], bool) {
	if r == nil || !r.acquire() {
		return nil, false
	}
	return &Handle[T]{ref: r}, true
}
