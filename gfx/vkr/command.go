// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package vkr

import (
	"time"

	vk "github.com/devblok/vulkan"

	"github.com/devblok/koru/v2/gfx"
)

// CommandPool is a transient vulkan command pool.
type CommandPool struct {
	device *Device
	handle vk.CommandPool
}

// Release destroys the pool and every command buffer allocated from it.
func (p *CommandPool) Release() {
	vk.DestroyCommandPool(p.device.device, p.handle, nil)
}

// CommandBuffer records into a vulkan command buffer.
type CommandBuffer struct {
	device *Device
	handle vk.CommandBuffer
	level  gfx.CommandBufferLevel
}

// Level returns the level the buffer was allocated with.
func (cb *CommandBuffer) Level() gfx.CommandBufferLevel {
	return cb.level
}

// Fence wraps a vulkan fence.
type Fence struct {
	device *Device
	handle vk.Fence
}

// Release destroys the fence.
func (f *Fence) Release() {
	vk.DestroyFence(f.device.device, f.handle, nil)
}

// CreateCommandPool creates a transient pool on the family of queue.
func (d *Device) CreateCommandPool(queue gfx.QueueType) (gfx.CommandPool, error) {
	info := vk.CommandPoolCreateInfo{
		SType:            vk.StructureTypeCommandPoolCreateInfo,
		Flags:            vk.CommandPoolCreateFlags(vk.CommandPoolCreateTransientBit),
		QueueFamilyIndex: d.queue(queue).Family,
	}
	var handle vk.CommandPool
	if err := check("vk.CreateCommandPool()", vk.CreateCommandPool(d.device, &info, nil, &handle)); err != nil {
		return nil, err
	}
	return &CommandPool{device: d, handle: handle}, nil
}

// AllocateCommandBuffer allocates one command buffer from pool.
func (d *Device) AllocateCommandBuffer(pool gfx.CommandPool, lvl gfx.CommandBufferLevel) (gfx.CommandBuffer, error) {
	p := d.pool(pool)
	info := vk.CommandBufferAllocateInfo{
		SType:              vk.StructureTypeCommandBufferAllocateInfo,
		CommandPool:        p.handle,
		Level:              level(lvl),
		CommandBufferCount: 1,
	}
	handles := make([]vk.CommandBuffer, 1)
	if err := check("vk.AllocateCommandBuffers()", vk.AllocateCommandBuffers(d.device, &info, handles)); err != nil {
		return nil, err
	}
	return &CommandBuffer{device: d, handle: handles[0], level: lvl}, nil
}

// ResetCommandPool returns every buffer of pool to the initial state.
func (d *Device) ResetCommandPool(pool gfx.CommandPool) error {
	return check("vk.ResetCommandPool()", vk.ResetCommandPool(d.device, d.pool(pool).handle, 0))
}

// CreateFence creates a fence, signalled if requested.
func (d *Device) CreateFence(signaled bool) (gfx.Fence, error) {
	info := vk.FenceCreateInfo{SType: vk.StructureTypeFenceCreateInfo}
	if signaled {
		info.Flags = vk.FenceCreateFlags(vk.FenceCreateSignaledBit)
	}
	var handle vk.Fence
	if err := check("vk.CreateFence()", vk.CreateFence(d.device, &info, nil, &handle)); err != nil {
		return nil, err
	}
	return &Fence{device: d, handle: handle}, nil
}

// WaitForFence waits at most timeout for f.
func (d *Device) WaitForFence(f gfx.Fence, timeout time.Duration) error {
	fences := []vk.Fence{d.fence(f).handle}
	return check("vk.WaitForFences()", vk.WaitForFences(d.device, 1, fences, vk.True, uint64(timeout.Nanoseconds())))
}

// ResetFence unsignals f.
func (d *Device) ResetFence(f gfx.Fence) error {
	return check("vk.ResetFences()", vk.ResetFences(d.device, 1, []vk.Fence{d.fence(f).handle}))
}

// Submit submits buffers in one batch. Submissions to the same queue are
// serialised.
func (d *Device) Submit(queue gfx.QueueType, buffers []gfx.CommandBuffer, f gfx.Fence) error {
	handles := make([]vk.CommandBuffer, len(buffers))
	for i, cb := range buffers {
		handles[i] = d.commandBuffer(cb).handle
	}
	fence := vk.NullFence
	if f != nil {
		fence = d.fence(f).handle
	}
	info := []vk.SubmitInfo{{
		SType:              vk.StructureTypeSubmitInfo,
		CommandBufferCount: uint32(len(handles)),
		PCommandBuffers:    handles,
	}}

	q := d.queue(queue)
	q.mutex.Lock()
	defer q.mutex.Unlock()
	return check("vk.QueueSubmit()", vk.QueueSubmit(q.Handle, 1, info, fence))
}

// Begin starts one-time-submit recording.
func (cb *CommandBuffer) Begin() error {
	info := vk.CommandBufferBeginInfo{
		SType: vk.StructureTypeCommandBufferBeginInfo,
		Flags: vk.CommandBufferUsageFlags(vk.CommandBufferUsageOneTimeSubmitBit),
	}
	return check("vk.BeginCommandBuffer()", vk.BeginCommandBuffer(cb.handle, &info))
}

// End finishes recording.
func (cb *CommandBuffer) End() error {
	return check("vk.EndCommandBuffer()", vk.EndCommandBuffer(cb.handle))
}

// CopyBuffer records a buffer to buffer copy.
func (cb *CommandBuffer) CopyBuffer(src, dst gfx.Buffer, regions ...gfx.BufferCopy) {
	copies := make([]vk.BufferCopy, len(regions))
	for i, r := range regions {
		copies[i] = vk.BufferCopy{
			SrcOffset: vk.DeviceSize(r.SrcOffset),
			DstOffset: vk.DeviceSize(r.DstOffset),
			Size:      vk.DeviceSize(r.Size),
		}
	}
	d := cb.device
	vk.CmdCopyBuffer(cb.handle, d.buffer(src).handle, d.buffer(dst).handle, uint32(len(copies)), copies)
}

// CopyBufferToImage records a copy of tightly packed texels into dst.
func (cb *CommandBuffer) CopyBufferToImage(src gfx.Buffer, dst gfx.Image, l gfx.ImageLayout, region gfx.BufferImageCopy) {
	depth := region.Extent.Depth
	if depth == 0 {
		depth = 1
	}
	bic := vk.BufferImageCopy{
		BufferOffset:     vk.DeviceSize(region.BufferOffset),
		ImageSubresource: colorLayers,
		ImageOffset:      vk.Offset3D{},
		ImageExtent:      vk.Extent3D{Width: region.Extent.Width, Height: region.Extent.Height, Depth: depth},
	}
	d := cb.device
	vk.CmdCopyBufferToImage(cb.handle, d.buffer(src).handle, d.image(dst).handle, layout(l), 1, []vk.BufferImageCopy{bic})
}

// PipelineBarrier records image layout transitions.
func (cb *CommandBuffer) PipelineBarrier(src, dst gfx.PipelineStage, barriers ...gfx.ImageBarrier) {
	imb := make([]vk.ImageMemoryBarrier, len(barriers))
	for i, b := range barriers {
		imb[i] = vk.ImageMemoryBarrier{
			SType:               vk.StructureTypeImageMemoryBarrier,
			SrcAccessMask:       access(b.SrcAccess),
			DstAccessMask:       access(b.DstAccess),
			OldLayout:           layout(b.OldLayout),
			NewLayout:           layout(b.NewLayout),
			SrcQueueFamilyIndex: vk.QueueFamilyIgnored,
			DstQueueFamilyIndex: vk.QueueFamilyIgnored,
			Image:               cb.device.image(b.Image).handle,
			SubresourceRange:    colorRange,
		}
	}
	vk.CmdPipelineBarrier(cb.handle, stage(src), stage(dst), 0, 0, nil, 0, nil, uint32(len(imb)), imb)
}

// BindVertexBuffers binds buffers at offset zero starting from first.
func (cb *CommandBuffer) BindVertexBuffers(first uint32, buffers ...gfx.Buffer) {
	handles := make([]vk.Buffer, len(buffers))
	for i, b := range buffers {
		handles[i] = cb.device.buffer(b).handle
	}
	offsets := make([]vk.DeviceSize, len(buffers))
	vk.CmdBindVertexBuffers(cb.handle, first, uint32(len(handles)), handles, offsets)
}

// Draw records a non-indexed draw.
func (cb *CommandBuffer) Draw(vertexCount, instanceCount, firstVertex, firstInstance uint32) {
	vk.CmdDraw(cb.handle, vertexCount, instanceCount, firstVertex, firstInstance)
}

func (d *Device) pool(p gfx.CommandPool) *CommandPool {
	vp, ok := p.(*CommandPool)
	if !ok || vp.device != d {
		gfx.Precondition("command pool %T does not belong to this device", p)
	}
	return vp
}

func (d *Device) commandBuffer(cb gfx.CommandBuffer) *CommandBuffer {
	vcb, ok := cb.(*CommandBuffer)
	if !ok || vcb.device != d {
		gfx.Precondition("command buffer %T does not belong to this device", cb)
	}
	return vcb
}

func (d *Device) fence(f gfx.Fence) *Fence {
	vf, ok := f.(*Fence)
	if !ok || vf.device != d {
		gfx.Precondition("fence %T does not belong to this device", f)
	}
	return vf
}
