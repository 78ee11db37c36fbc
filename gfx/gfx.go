// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package gfx defines the narrow device and allocator surface that the
// resource core records and submits work through. Backends live in
// sub-packages: soft executes everything in host memory, vkr talks to Vulkan.
package gfx

import "time"

// Releasable defines any memory-occupying item that can be freed.
type Releasable interface {

	// Release releases memory occupied by the implementing structure.
	Release()
}

// Buffer is a linear allocation owned by the allocator that created it.
type Buffer interface {
	Releasable

	// Size returns the allocation size in bytes.
	Size() uint64

	// Usage returns the usage flags the buffer was created with.
	Usage() BufferUsage
}

// MappedBuffer is a host-visible buffer whose contents can be read
// and written directly by the CPU.
type MappedBuffer interface {
	Buffer

	// Bytes returns the mapped memory region.
	Bytes() []byte
}

// Image is a device image allocation.
type Image interface {
	Releasable

	// Extent returns the image dimensions.
	Extent() Extent3D

	// Format returns the texel format.
	Format() Format
}

// Allocator hands out device memory. Implementations must be safe for
// concurrent use, loaders stage from worker goroutines.
type Allocator interface {

	// AllocateBuffer allocates device-only memory.
	AllocateBuffer(desc BufferDescriptor) (Buffer, error)

	// AllocateMappedBuffer allocates host-visible memory and copies data
	// into it when data is not nil.
	AllocateMappedBuffer(desc BufferDescriptor, data []byte) (MappedBuffer, error)

	// AllocateImage allocates a device-only image.
	AllocateImage(desc ImageDescriptor) (Image, error)

	// BufferDeviceAddress returns the GPU virtual address of b.
	BufferDeviceAddress(b Buffer) (uint64, error)
}

// CommandBuffer records GPU work. A command buffer is confined to the
// goroutine that requested it until it is submitted.
type CommandBuffer interface {
	Begin() error
	End() error

	CopyBuffer(src, dst Buffer, regions ...BufferCopy)
	CopyBufferToImage(src Buffer, dst Image, layout ImageLayout, region BufferImageCopy)
	PipelineBarrier(src, dst PipelineStage, barriers ...ImageBarrier)

	BindVertexBuffers(first uint32, buffers ...Buffer)
	Draw(vertexCount, instanceCount, firstVertex, firstInstance uint32)
}

// CommandPool owns the memory of the command buffers allocated from it.
type CommandPool interface {
	Releasable
}

// Fence is a GPU to CPU completion signal.
type Fence interface {
	Releasable
}

// Device exposes the command submission primitives.
type Device interface {

	// CreateCommandPool creates a transient pool for the given queue.
	CreateCommandPool(queue QueueType) (CommandPool, error)

	// AllocateCommandBuffer allocates one command buffer from pool.
	AllocateCommandBuffer(pool CommandPool, level CommandBufferLevel) (CommandBuffer, error)

	// ResetCommandPool invalidates every command buffer allocated from pool.
	ResetCommandPool(pool CommandPool) error

	// CreateFence creates a fence, optionally in the signalled state.
	CreateFence(signaled bool) (Fence, error)

	// WaitForFence blocks until f is signalled. Timing out returns
	// an error wrapping ErrTimeout.
	WaitForFence(f Fence, timeout time.Duration) error

	// ResetFence puts f back into the unsignalled state.
	ResetFence(f Fence) error

	// Submit hands recorded buffers to the queue; fence, if not nil,
	// is signalled once all of them finished executing.
	Submit(queue QueueType, buffers []CommandBuffer, fence Fence) error
}
