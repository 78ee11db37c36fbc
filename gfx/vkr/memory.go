// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package vkr

import (
	"sync"
	"unsafe"

	vk "github.com/devblok/vulkan"

	"github.com/devblok/koru/v2/gfx"
)

const (
	hostVisible = vk.MemoryPropertyHostVisibleBit | vk.MemoryPropertyHostCoherentBit
	deviceLocal = vk.MemoryPropertyDeviceLocalBit
)

// memory is one dedicated device memory allocation.
type memory struct {
	device vk.Device
	handle vk.DeviceMemory
	size   vk.DeviceSize
	mapped unsafe.Pointer
}

func (m *memory) bytes() []byte {
	if m.mapped == nil {
		return nil
	}
	return unsafe.Slice((*byte)(m.mapped), int(m.size))
}

func (m *memory) release() {
	if m.mapped != nil {
		vk.UnmapMemory(m.device, m.handle)
		m.mapped = nil
	}
	vk.FreeMemory(m.device, m.handle, nil)
}

// malloc allocates memory satisfying req from the first memory type that
// has all the prop bits.
func (d *Device) malloc(req vk.MemoryRequirements, prop vk.MemoryPropertyFlagBits) (memory, error) {
	idx, ok := d.findMemoryType(req.MemoryTypeBits, vk.MemoryPropertyFlags(prop))
	if !ok {
		return memory{}, &gfx.DeviceError{Op: "vk.AllocateMemory()", Err: gfx.ErrUnsupported}
	}

	info := vk.MemoryAllocateInfo{
		SType:           vk.StructureTypeMemoryAllocateInfo,
		AllocationSize:  req.Size,
		MemoryTypeIndex: idx,
	}
	var handle vk.DeviceMemory
	if err := check("vk.AllocateMemory()", vk.AllocateMemory(d.device, &info, nil, &handle)); err != nil {
		return memory{}, err
	}
	return memory{device: d.device, handle: handle, size: req.Size}, nil
}

func (d *Device) findMemoryType(filter uint32, prop vk.MemoryPropertyFlags) (uint32, bool) {
	for idx := uint32(0); idx < d.memProperties.MemoryTypeCount; idx++ {
		d.memProperties.MemoryTypes[idx].Deref()
		if filter&(1<<idx) != 0 && d.memProperties.MemoryTypes[idx].PropertyFlags&prop == prop {
			return idx, true
		}
	}
	return 0, false
}

// Buffer is a vulkan buffer bound to its own memory allocation.
type Buffer struct {
	device *Device
	handle vk.Buffer
	memory memory
	usage  gfx.BufferUsage
	size   uint64
	once   sync.Once
}

// Size returns the requested size in bytes.
func (b *Buffer) Size() uint64 {
	return b.size
}

// Usage returns the usage the buffer was created with.
func (b *Buffer) Usage() gfx.BufferUsage {
	return b.usage
}

// Bytes returns the persistently mapped memory, nil for device-local buffers.
func (b *Buffer) Bytes() []byte {
	if mem := b.memory.bytes(); mem != nil {
		return mem[:b.size]
	}
	return nil
}

// Get returns the vulkan buffer handle.
func (b *Buffer) Get() vk.Buffer {
	return b.handle
}

// Release destroys the buffer and frees its memory.
func (b *Buffer) Release() {
	b.once.Do(func() {
		vk.DestroyBuffer(b.device.device, b.handle, nil)
		b.memory.release()
	})
}

// Image is a vulkan image bound to its own memory allocation.
type Image struct {
	device *Device
	handle vk.Image
	memory memory
	extent gfx.Extent3D
	format gfx.Format
	once   sync.Once
}

// Extent returns the image size.
func (i *Image) Extent() gfx.Extent3D {
	return i.extent
}

// Format returns the texel format.
func (i *Image) Format() gfx.Format {
	return i.format
}

// Get returns the vulkan image handle.
func (i *Image) Get() vk.Image {
	return i.handle
}

// Release destroys the image and frees its memory.
func (i *Image) Release() {
	i.once.Do(func() {
		vk.DestroyImage(i.device.device, i.handle, nil)
		i.memory.release()
	})
}

func (d *Device) newBuffer(desc gfx.BufferDescriptor, prop vk.MemoryPropertyFlagBits) (*Buffer, error) {
	if desc.Size == 0 {
		gfx.Precondition("buffer of size zero")
	}
	info := vk.BufferCreateInfo{
		SType:       vk.StructureTypeBufferCreateInfo,
		Size:        vk.DeviceSize(desc.Size),
		Usage:       bufferUsage(desc.Usage),
		SharingMode: vk.SharingModeExclusive,
	}
	var handle vk.Buffer
	if err := check("vk.CreateBuffer()", vk.CreateBuffer(d.device, &info, nil, &handle)); err != nil {
		return nil, err
	}

	var req vk.MemoryRequirements
	vk.GetBufferMemoryRequirements(d.device, handle, &req)
	req.Deref()
	if desc.Alignment > uint64(req.Alignment) {
		req.Alignment = vk.DeviceSize(desc.Alignment)
	}

	mem, err := d.malloc(req, prop)
	if err != nil {
		vk.DestroyBuffer(d.device, handle, nil)
		return nil, err
	}
	if err := check("vk.BindBufferMemory()", vk.BindBufferMemory(d.device, handle, mem.handle, 0)); err != nil {
		vk.DestroyBuffer(d.device, handle, nil)
		mem.release()
		return nil, err
	}
	return &Buffer{device: d, handle: handle, memory: mem, usage: desc.Usage, size: desc.Size}, nil
}

// AllocateBuffer allocates a device-local buffer.
func (d *Device) AllocateBuffer(desc gfx.BufferDescriptor) (gfx.Buffer, error) {
	b, err := d.newBuffer(desc, deviceLocal)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// AllocateMappedBuffer allocates a host-visible coherent buffer, maps it
// for its whole lifetime and copies data into it.
func (d *Device) AllocateMappedBuffer(desc gfx.BufferDescriptor, data []byte) (gfx.MappedBuffer, error) {
	b, err := d.newBuffer(desc, hostVisible)
	if err != nil {
		return nil, err
	}
	var mapped unsafe.Pointer
	res := vk.MapMemory(d.device, b.memory.handle, 0, b.memory.size, 0, &mapped)
	if err := check("vk.MapMemory()", res); err != nil {
		b.Release()
		return nil, err
	}
	b.memory.mapped = mapped
	if data != nil {
		vk.Memcopy(mapped, data)
	}
	return b, nil
}

// AllocateImage allocates an optimally tiled, device-local 2D image.
func (d *Device) AllocateImage(desc gfx.ImageDescriptor) (gfx.Image, error) {
	f, ok := format(desc.Format)
	if !ok {
		return nil, &gfx.DeviceError{Op: "vk.CreateImage()", Err: gfx.ErrUnsupported}
	}
	depth := desc.Extent.Depth
	if depth == 0 {
		depth = 1
	}
	info := vk.ImageCreateInfo{
		SType:         vk.StructureTypeImageCreateInfo,
		ImageType:     vk.ImageType2d,
		Format:        f,
		Extent:        vk.Extent3D{Width: desc.Extent.Width, Height: desc.Extent.Height, Depth: depth},
		MipLevels:     1,
		ArrayLayers:   1,
		Samples:       vk.SampleCount1Bit,
		Tiling:        vk.ImageTilingOptimal,
		Usage:         imageUsage(desc.Usage),
		SharingMode:   vk.SharingModeExclusive,
		InitialLayout: vk.ImageLayoutUndefined,
	}
	var handle vk.Image
	if err := check("vk.CreateImage()", vk.CreateImage(d.device, &info, nil, &handle)); err != nil {
		return nil, err
	}

	var req vk.MemoryRequirements
	vk.GetImageMemoryRequirements(d.device, handle, &req)
	req.Deref()

	mem, err := d.malloc(req, deviceLocal)
	if err != nil {
		vk.DestroyImage(d.device, handle, nil)
		return nil, err
	}
	if err := check("vk.BindImageMemory()", vk.BindImageMemory(d.device, handle, mem.handle, 0)); err != nil {
		vk.DestroyImage(d.device, handle, nil)
		mem.release()
		return nil, err
	}
	return &Image{device: d, handle: handle, memory: mem, extent: desc.Extent, format: desc.Format}, nil
}

// BufferDeviceAddress is not available through the bound vulkan version.
func (d *Device) BufferDeviceAddress(b gfx.Buffer) (uint64, error) {
	d.buffer(b)
	return 0, &gfx.DeviceError{Op: "vk.GetBufferDeviceAddress()", Err: gfx.ErrUnsupported}
}

func (d *Device) buffer(b gfx.Buffer) *Buffer {
	vb, ok := b.(*Buffer)
	if !ok || vb.device != d {
		gfx.Precondition("buffer %T does not belong to this device", b)
	}
	return vb
}

func (d *Device) image(i gfx.Image) *Image {
	vi, ok := i.(*Image)
	if !ok || vi.device != d {
		gfx.Precondition("image %T does not belong to this device", i)
	}
	return vi
}
