// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package frame manages the frames in flight. Every frame slot owns one
// command pool per recording thread and a fence; a slot is only reused
// after its fence reports that the GPU finished the work submitted from it.
package frame

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/devblok/koru/v2/gfx"
)

// State is the position of a slot in its cycle.
type State int32

// Slot states. A slot cycles Idle, Recording, Submitted, Retiring and back.
const (
	Idle State = iota
	Recording
	Submitted
	Retiring
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Recording:
		return "recording"
	case Submitted:
		return "submitted"
	case Retiring:
		return "retiring"
	}
	return "unknown"
}

// DefaultFenceTimeout bounds the wait for a slot to retire. Expiry is
// treated as a lost device.
const DefaultFenceTimeout = 100 * time.Second

// Config sizes a Pool.
type Config struct {
	// Frames is the number of frames that may be in flight.
	Frames int
	// Threads is the number of goroutines recording in parallel.
	Threads int
	// FenceTimeout bounds Reset, zero means DefaultFenceTimeout.
	FenceTimeout time.Duration
	// Queue the command pools are created for.
	Queue gfx.QueueType
}

// DefaultConfig returns double buffering with a single recording thread.
func DefaultConfig() Config {
	return Config{
		Frames:       2,
		Threads:      1,
		FenceTimeout: DefaultFenceTimeout,
		Queue:        gfx.QueueGraphics,
	}
}

// Option configures a Pool.
type Option func(*Pool)

// WithLogger sets the logger used by the pool.
func WithLogger(l log.FieldLogger) Option {
	return func(p *Pool) {
		p.log = l
	}
}

// recycler hands out the command buffers of one thread in one slot.
type recycler struct {
	pool    gfx.CommandPool
	buffers map[gfx.CommandBufferLevel][]gfx.CommandBuffer
	issued  map[gfx.CommandBufferLevel]int
}

func (r *recycler) rewind() {
	for level := range r.issued {
		r.issued[level] = 0
	}
}

type slot struct {
	threads []*recycler
	fence   gfx.Fence
	state   atomic.Int32

	mutex   sync.Mutex
	pending []func()
}

func (s *slot) takePending() []func() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	p := s.pending
	s.pending = nil
	return p
}

// Pool is a fixed ring of frame slots.
type Pool struct {
	device gfx.Device
	config Config
	log    log.FieldLogger
	slots  []*slot
	index  atomic.Int64
}

// New creates the slots with their command pools and signalled fences.
func New(device gfx.Device, config Config, options ...Option) (*Pool, error) {
	if config.Frames <= 0 {
		return nil, fmt.Errorf("frame count must be positive, got %d", config.Frames)
	}
	if config.Threads <= 0 {
		return nil, fmt.Errorf("thread count must be positive, got %d", config.Threads)
	}
	if config.FenceTimeout == 0 {
		config.FenceTimeout = DefaultFenceTimeout
	}

	p := &Pool{
		device: device,
		config: config,
		log:    log.StandardLogger(),
	}
	for _, opt := range options {
		opt(p)
	}
	p.log = p.log.WithField("component", "framepool")

	for i := 0; i < config.Frames; i++ {
		s, err := p.newSlot()
		if err != nil {
			p.release()
			return nil, fmt.Errorf("create frame %d: %w", i, err)
		}
		p.slots = append(p.slots, s)
	}
	// The first Reset lands on slot 0.
	p.index.Store(int64(config.Frames - 1))

	p.log.WithFields(log.Fields{
		"frames":  config.Frames,
		"threads": config.Threads,
	}).Debug("frame pool created")
	return p, nil
}

func (p *Pool) newSlot() (*slot, error) {
	s := &slot{}
	fence, err := p.device.CreateFence(true)
	if err != nil {
		return nil, err
	}
	s.fence = fence
	for t := 0; t < p.config.Threads; t++ {
		pool, err := p.device.CreateCommandPool(p.config.Queue)
		if err != nil {
			releaseSlot(s)
			return nil, err
		}
		s.threads = append(s.threads, &recycler{
			pool:    pool,
			buffers: make(map[gfx.CommandBufferLevel][]gfx.CommandBuffer),
			issued:  make(map[gfx.CommandBufferLevel]int),
		})
	}
	return s, nil
}

func (p *Pool) current() *slot {
	return p.slots[p.index.Load()]
}

// RequestCommandBuffer returns a command buffer of the current slot for
// the given recording thread. Buffers issued earlier in the slot's cycle
// are recycled before new ones are allocated. Each thread index must be
// used by a single goroutine at a time.
func (p *Pool) RequestCommandBuffer(level gfx.CommandBufferLevel, thread int) (gfx.CommandBuffer, error) {
	if thread < 0 || thread >= p.config.Threads {
		gfx.Precondition("thread %d out of range", thread)
	}
	s := p.current()
	if State(s.state.Load()) == Submitted {
		gfx.Precondition("command buffer requested from frame %d after it was submitted", p.index.Load())
	}
	s.state.CompareAndSwap(int32(Idle), int32(Recording))

	r := s.threads[thread]
	n := r.issued[level]
	if n < len(r.buffers[level]) {
		r.issued[level]++
		return r.buffers[level][n], nil
	}

	cb, err := p.device.AllocateCommandBuffer(r.pool, level)
	if err != nil {
		return nil, fmt.Errorf("allocate command buffer: %w", err)
	}
	r.buffers[level] = append(r.buffers[level], cb)
	r.issued[level]++
	return cb, nil
}

// Reset advances to the next slot and blocks until the GPU retired it.
// The slot's command pools are then reset, invalidating every buffer
// issued from it, and its deferred updates run. A wait that fails or times
// out is reported as a lost device.
func (p *Pool) Reset() error {
	next := (p.index.Load() + 1) % int64(len(p.slots))
	s := p.slots[next]

	prev := s.state.Swap(int32(Retiring))
	if err := p.device.WaitForFence(s.fence, p.config.FenceTimeout); err != nil {
		s.state.Store(prev)
		p.log.WithError(err).WithField("frame", next).Error("frame did not retire")
		if errors.Is(err, gfx.ErrDeviceLost) {
			return fmt.Errorf("wait for frame %d: %w", next, err)
		}
		return fmt.Errorf("wait for frame %d: %w: %w", next, gfx.ErrDeviceLost, err)
	}

	for _, r := range s.threads {
		if err := p.device.ResetCommandPool(r.pool); err != nil {
			s.state.Store(prev)
			return fmt.Errorf("reset frame %d: %w", next, err)
		}
		r.rewind()
	}
	// Updates deferred once next is current belong to the frame about to
	// be recorded, so the retired ones are taken before publishing it.
	retired := s.takePending()
	p.index.Store(next)

	for _, update := range retired {
		update()
	}
	s.state.Store(int32(Idle))
	return nil
}

// Submit hands the recorded buffers of the current slot to the queue,
// arming the slot's fence. If the submission fails the slot gets a fresh
// signalled fence so the frame can be skipped.
func (p *Pool) Submit(buffers ...gfx.CommandBuffer) error {
	s := p.current()
	if State(s.state.Load()) == Submitted {
		gfx.Precondition("frame %d submitted twice", p.index.Load())
	}

	if err := p.device.ResetFence(s.fence); err != nil {
		return fmt.Errorf("reset fence of frame %d: %w", p.index.Load(), err)
	}
	err := p.device.Submit(p.config.Queue, buffers, s.fence)
	if err == nil {
		s.state.Store(int32(Submitted))
		return nil
	}

	p.log.WithError(err).WithField("frame", p.index.Load()).Warn("frame submission failed")
	fence, ferr := p.device.CreateFence(true)
	if ferr != nil {
		return fmt.Errorf("replace fence after failed submit: %w", errors.Join(err, ferr))
	}
	s.fence.Release()
	s.fence = fence
	s.state.Store(int32(Idle))
	return err
}

// Defer queues fn to run on the goroutine calling Reset once the GPU has
// finished the frame currently being recorded. It is safe to call from any
// goroutine, also while Reset is running: fn then follows whichever frame
// it observed as current.
func (p *Pool) Defer(fn func()) {
	s := p.current()
	s.mutex.Lock()
	s.pending = append(s.pending, fn)
	s.mutex.Unlock()
}

// Index returns the index of the current slot.
func (p *Pool) Index() int {
	return int(p.index.Load())
}

// State returns the state of slot i.
func (p *Pool) State(i int) State {
	return State(p.slots[i].state.Load())
}

// Frames returns the number of slots.
func (p *Pool) Frames() int {
	return len(p.slots)
}

// Threads returns the number of recording threads per slot.
func (p *Pool) Threads() int {
	return p.config.Threads
}

// Close waits for every slot to retire, runs the remaining deferred
// updates and releases the pools and fences. After a failed wait the
// deferred updates are dropped, as the device can no longer be trusted.
func (p *Pool) Close() error {
	var errs []error
	for i, s := range p.slots {
		if err := p.device.WaitForFence(s.fence, p.config.FenceTimeout); err != nil {
			errs = append(errs, fmt.Errorf("wait for frame %d: %w", i, err))
			continue
		}
		for _, update := range s.takePending() {
			update()
		}
	}
	p.release()
	return errors.Join(errs...)
}

func (p *Pool) release() {
	for _, s := range p.slots {
		releaseSlot(s)
	}
	p.slots = nil
}

func releaseSlot(s *slot) {
	for _, r := range s.threads {
		r.pool.Release()
	}
	if s.fence != nil {
		s.fence.Release()
	}
}
