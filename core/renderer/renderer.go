// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package renderer records the draws of a scene into the frames in flight.
package renderer

import (
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/devblok/koru/v2/frame"
	"github.com/devblok/koru/v2/gfx"
)

// Draw is one non-indexed draw call.
type Draw struct {
	Vertices      gfx.Buffer
	VertexCount   uint32
	InstanceCount uint32
}

// Scene is anything that can list its draws. The list must not change
// while Render runs.
type Scene interface {
	Draws() []Draw
}

// Renderer describes the rendering machinery
type Renderer interface {
	// Render records and submits one frame.
	Render(Scene) error

	// Defer runs fn once the GPU finished the frame being recorded.
	Defer(fn func())

	// Close waits for the GPU and releases the frames.
	Close() error
}

// Option configures a FrameRenderer.
type Option func(*FrameRenderer)

// WithLogger sets the logger used by the renderer.
func WithLogger(l log.FieldLogger) Option {
	return func(r *FrameRenderer) {
		r.log = l
	}
}

// FrameRenderer splits the draws of every frame over a fixed number of
// recording goroutines, each with its own command pools.
type FrameRenderer struct {
	frames *frame.Pool
	log    log.FieldLogger
}

// New creates a renderer submitting to device.
func New(device gfx.Device, cfg Configuration, options ...Option) (*FrameRenderer, error) {
	r := &FrameRenderer{log: log.StandardLogger()}
	for _, opt := range options {
		opt(r)
	}
	r.log = r.log.WithField("component", "renderer")

	frames, err := frame.New(device, cfg.frameConfig(), frame.WithLogger(r.log))
	if err != nil {
		return nil, err
	}
	r.frames = frames
	return r, nil
}

// Render waits for a free frame, records the draws of scene and submits
// them. A nil scene submits an empty frame.
func (r *FrameRenderer) Render(scene Scene) error {
	if err := r.frames.Reset(); err != nil {
		return err
	}

	var draws []Draw
	if scene != nil {
		draws = scene.Draws()
	}

	threads := r.frames.Threads()
	buffers := make([]gfx.CommandBuffer, threads)
	var g errgroup.Group
	for t, part := range split(draws, threads) {
		if len(part) == 0 {
			continue
		}
		t, part := t, part
		g.Go(func() error {
			cb, err := r.record(t, part)
			buffers[t] = cb
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	recorded := buffers[:0]
	for _, cb := range buffers {
		if cb != nil {
			recorded = append(recorded, cb)
		}
	}
	if err := r.frames.Submit(recorded...); err != nil {
		return err
	}
	r.log.WithFields(log.Fields{
		"frame":   r.frames.Index(),
		"draws":   len(draws),
		"buffers": len(recorded),
	}).Debug("frame submitted")
	return nil
}

func (r *FrameRenderer) record(thread int, draws []Draw) (gfx.CommandBuffer, error) {
	cb, err := r.frames.RequestCommandBuffer(gfx.CommandBufferLevelPrimary, thread)
	if err != nil {
		return nil, err
	}
	if err := cb.Begin(); err != nil {
		return nil, err
	}
	for _, d := range draws {
		instances := d.InstanceCount
		if instances == 0 {
			instances = 1
		}
		cb.BindVertexBuffers(0, d.Vertices)
		cb.Draw(d.VertexCount, instances, 0, 0)
	}
	return cb, cb.End()
}

// split divides draws into n contiguous parts of nearly equal size.
func split(draws []Draw, n int) [][]Draw {
	parts := make([][]Draw, n)
	size := (len(draws) + n - 1) / n
	for i := range parts {
		lo, hi := i*size, (i+1)*size
		if lo > len(draws) {
			lo = len(draws)
		}
		if hi > len(draws) {
			hi = len(draws)
		}
		parts[i] = draws[lo:hi]
	}
	return parts
}

// Defer runs fn after the GPU finished the frame being recorded.
func (r *FrameRenderer) Defer(fn func()) {
	r.frames.Defer(fn)
}

// Frames returns the frame pool, for diagnostics.
func (r *FrameRenderer) Frames() *frame.Pool {
	return r.frames
}

// Close waits for every frame and releases the frame pool.
func (r *FrameRenderer) Close() error {
	return r.frames.Close()
}
