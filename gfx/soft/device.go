// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package soft implements gfx.Device and gfx.Allocator in host memory.
// Commands are executed when they are submitted, byte for byte, which makes
// the package suitable both as a headless backend and as a test double.
package soft

import (
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/devblok/koru/v2/gfx"
)

// Stats counts the work executed by a Device.
type Stats struct {
	Submissions    int
	CommandBuffers int
	Draws          int
	Vertices       uint64
	Barriers       int
	BytesCopied    uint64
}

// Option configures a Device.
type Option func(*Device)

// WithLogger sets the logger used by the device.
func WithLogger(l log.FieldLogger) Option {
	return func(d *Device) {
		d.log = l
	}
}

// WithHostBudget limits host-visible allocations to n bytes. Exceeding it
// fails with gfx.ErrOutOfHostMemory.
func WithHostBudget(n uint64) Option {
	return func(d *Device) {
		d.host.budget = n
	}
}

// WithDeviceBudget limits device-local allocations to n bytes. Exceeding it
// fails with gfx.ErrOutOfDeviceMemory.
func WithDeviceBudget(n uint64) Option {
	return func(d *Device) {
		d.local.budget = n
	}
}

// WithManualFences keeps submitted fences unsignalled until Complete or
// CompleteNext is called, emulating work still in flight on the GPU.
func WithManualFences() Option {
	return func(d *Device) {
		d.manual = true
	}
}

// Device is an in-memory device and allocator.
type Device struct {
	mutex  sync.Mutex
	log    log.FieldLogger
	host   heap
	local  heap
	cursor uint64

	buffers []*Buffer
	images  []*Image

	manual   bool
	inFlight []*Fence
	lost     chan struct{}
	failNext error
	stats    Stats
}

// NewDevice creates a device with unlimited memory and automatic fences
// unless configured otherwise.
func NewDevice(options ...Option) *Device {
	d := &Device{
		log:    log.StandardLogger(),
		host:   heap{name: "host", oom: gfx.ErrOutOfHostMemory},
		local:  heap{name: "device", oom: gfx.ErrOutOfDeviceMemory},
		cursor: addressBase,
		lost:   make(chan struct{}),
	}
	for _, opt := range options {
		opt(d)
	}
	d.log = d.log.WithField("component", "soft")
	return d
}

// Fence signals completion of a submission.
type Fence struct {
	device   *Device
	signaled bool
	done     chan struct{}
}

// Release is a no-op, fences hold no memory.
func (f *Fence) Release() {}

func (f *Fence) signal() {
	if !f.signaled {
		f.signaled = true
		close(f.done)
	}
}

// CreateCommandPool creates a pool for queue.
func (d *Device) CreateCommandPool(queue gfx.QueueType) (gfx.CommandPool, error) {
	if err := d.checkLost("create command pool"); err != nil {
		return nil, err
	}
	return &CommandPool{device: d, queue: queue}, nil
}

// AllocateCommandBuffer allocates a command buffer from pool.
func (d *Device) AllocateCommandBuffer(pool gfx.CommandPool, level gfx.CommandBufferLevel) (gfx.CommandBuffer, error) {
	p := d.pool(pool)

	d.mutex.Lock()
	defer d.mutex.Unlock()
	if p.released {
		gfx.Precondition("allocation from a released command pool")
	}
	cb := &CommandBuffer{pool: p, level: level}
	p.buffers = append(p.buffers, cb)
	return cb, nil
}

// ResetCommandPool returns every buffer of pool to the initial state.
func (d *Device) ResetCommandPool(pool gfx.CommandPool) error {
	p := d.pool(pool)
	if err := d.checkLost("reset command pool"); err != nil {
		return err
	}

	d.mutex.Lock()
	defer d.mutex.Unlock()
	for _, cb := range p.buffers {
		cb.state = bufferInitial
		cb.commands = cb.commands[:0]
	}
	p.resets++
	return nil
}

// CreateFence creates a fence, optionally signalled.
func (d *Device) CreateFence(signaled bool) (gfx.Fence, error) {
	f := &Fence{device: d, done: make(chan struct{})}
	if signaled {
		f.signal()
	}
	return f, nil
}

// WaitForFence blocks until fence is signalled, the timeout expires or the
// device is lost.
func (d *Device) WaitForFence(fence gfx.Fence, timeout time.Duration) error {
	f := d.fence(fence)

	d.mutex.Lock()
	done := f.done
	d.mutex.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		return nil
	case <-d.lost:
		return &gfx.DeviceError{Op: "wait for fence", Err: gfx.ErrDeviceLost}
	case <-timer.C:
		return &gfx.DeviceError{Op: "wait for fence", Err: gfx.ErrTimeout}
	}
}

// ResetFence unsignals fence.
func (d *Device) ResetFence(fence gfx.Fence) error {
	f := d.fence(fence)

	d.mutex.Lock()
	defer d.mutex.Unlock()
	if f.signaled {
		f.signaled = false
		f.done = make(chan struct{})
	}
	return nil
}

// Submit executes the recorded commands of every buffer in order. The fence
// is signalled right away, or on Complete when manual fences are enabled.
func (d *Device) Submit(queue gfx.QueueType, buffers []gfx.CommandBuffer, fence gfx.Fence) error {
	var f *Fence
	if fence != nil {
		f = d.fence(fence)
	}
	if err := d.checkLost("submit"); err != nil {
		return err
	}

	d.mutex.Lock()
	defer d.mutex.Unlock()

	if err := d.failNext; err != nil {
		d.failNext = nil
		return &gfx.DeviceError{Op: "submit", Err: err}
	}

	for _, b := range buffers {
		cb, ok := b.(*CommandBuffer)
		if !ok || cb.pool.device != d {
			gfx.Precondition("command buffer %T does not belong to this device", b)
		}
		if cb.state != bufferExecutable {
			return &gfx.DeviceError{Op: "submit", Err: fmt.Errorf("command buffer is not executable")}
		}
		for _, c := range cb.commands {
			if err := c(d, &d.stats); err != nil {
				return &gfx.DeviceError{Op: "submit", Err: err}
			}
		}
		d.stats.CommandBuffers++
	}
	d.stats.Submissions++

	d.log.WithFields(log.Fields{
		"queue":   queue,
		"buffers": len(buffers),
	}).Debug("submitted")

	if f == nil {
		return nil
	}
	if d.manual {
		d.inFlight = append(d.inFlight, f)
	} else {
		f.signal()
	}
	return nil
}

// CompleteNext signals the oldest fence still in flight and reports whether
// there was one.
func (d *Device) CompleteNext() bool {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	if len(d.inFlight) == 0 {
		return false
	}
	d.inFlight[0].signal()
	d.inFlight = d.inFlight[1:]
	return true
}

// Complete signals every fence still in flight.
func (d *Device) Complete() {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	for _, f := range d.inFlight {
		f.signal()
	}
	d.inFlight = nil
}

// InFlight returns the number of submissions whose fence is not signalled.
func (d *Device) InFlight() int {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return len(d.inFlight)
}

// Signaled reports whether fence is currently signalled.
func (d *Device) Signaled(fence gfx.Fence) bool {
	f := d.fence(fence)
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return f.signaled
}

// FailNextSubmit makes the next Submit fail with err without executing
// anything.
func (d *Device) FailNextSubmit(err error) {
	d.mutex.Lock()
	d.failNext = err
	d.mutex.Unlock()
}

// Lose marks the device as lost. Pending and future fence waits fail with
// gfx.ErrDeviceLost.
func (d *Device) Lose() {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	select {
	case <-d.lost:
	default:
		close(d.lost)
		d.log.Error("device lost")
	}
}

// Stats returns a snapshot of the executed work.
func (d *Device) Stats() Stats {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.stats
}

func (d *Device) checkLost(op string) error {
	select {
	case <-d.lost:
		return &gfx.DeviceError{Op: op, Err: gfx.ErrDeviceLost}
	default:
		return nil
	}
}

func (d *Device) pool(p gfx.CommandPool) *CommandPool {
	cp, ok := p.(*CommandPool)
	if !ok || cp.device != d {
		gfx.Precondition("command pool %T does not belong to this device", p)
	}
	return cp
}

func (d *Device) fence(f gfx.Fence) *Fence {
	fc, ok := f.(*Fence)
	if !ok || fc.device != d {
		gfx.Precondition("fence %T does not belong to this device", f)
	}
	return fc
}
