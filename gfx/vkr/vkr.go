// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package vkr implements gfx.Device and gfx.Allocator on top of a vulkan
// logical device created by the caller.
package vkr

import (
	"fmt"
	"sync"

	vk "github.com/devblok/vulkan"
	log "github.com/sirupsen/logrus"

	"github.com/devblok/koru/v2/gfx"
)

var (
	_ gfx.Device    = (*Device)(nil)
	_ gfx.Allocator = (*Device)(nil)
)

// Queue is a device queue together with the family it was retrieved from.
type Queue struct {
	Family uint32
	Handle vk.Queue
}

// NewQueue retrieves the first queue of family from device.
func NewQueue(device vk.Device, family uint32) Queue {
	var q vk.Queue
	vk.GetDeviceQueue(device, family, 0, &q)
	return Queue{Family: family, Handle: q}
}

// Option configures a Device.
type Option func(*Device)

// WithLogger sets the logger used by the device.
func WithLogger(l log.FieldLogger) Option {
	return func(d *Device) {
		d.log = l
	}
}

// WithQueue makes work for t go to q. Queue types without an explicit
// queue fall back to the graphics queue.
func WithQueue(t gfx.QueueType, q Queue) Option {
	return func(d *Device) {
		d.queues[t] = &queue{Queue: q}
	}
}

type queue struct {
	Queue
	mutex sync.Mutex
}

// Device wraps a vulkan logical device. The device and its queues stay
// owned by the caller.
type Device struct {
	device        vk.Device
	memProperties vk.PhysicalDeviceMemoryProperties
	queues        map[gfx.QueueType]*queue
	log           log.FieldLogger
}

// NewDevice reads the memory properties of phy and returns a device
// submitting graphics work to graphics.
func NewDevice(device vk.Device, phy vk.PhysicalDevice, graphics Queue, options ...Option) *Device {
	d := &Device{
		device: device,
		queues: map[gfx.QueueType]*queue{gfx.QueueGraphics: {Queue: graphics}},
		log:    log.StandardLogger(),
	}
	vk.GetPhysicalDeviceMemoryProperties(phy, &d.memProperties)
	d.memProperties.Deref()

	for _, opt := range options {
		opt(d)
	}
	d.log = d.log.WithField("component", "vkr")
	d.log.WithField("memoryTypes", d.memProperties.MemoryTypeCount).Debug("device ready")
	return d
}

func (d *Device) queue(t gfx.QueueType) *queue {
	if q, ok := d.queues[t]; ok {
		return q
	}
	return d.queues[gfx.QueueGraphics]
}

// WaitIdle blocks until the device finished all submitted work.
func (d *Device) WaitIdle() error {
	return check("vk.DeviceWaitIdle()", vk.DeviceWaitIdle(d.device))
}

func (d *Device) String() string {
	return fmt.Sprintf("vkr.Device(%d queues)", len(d.queues))
}
