// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package soft

import (
	"sync"

	units "github.com/docker/go-units"
	log "github.com/sirupsen/logrus"

	"github.com/devblok/koru/v2/gfx"
)

const (
	addressBase      = 0x10000000
	defaultAlignment = 256
)

// heap accounts for one kind of memory against an optional budget.
type heap struct {
	name   string
	budget uint64
	used   uint64
	oom    error
}

func (h *heap) reserve(size uint64) error {
	if h.budget != 0 && h.used+size > h.budget {
		return h.oom
	}
	h.used += size
	return nil
}

func (h *heap) free(size uint64) {
	h.used -= size
}

// Buffer is a buffer living in host memory. Device-only buffers are still
// backed by a byte slice so copies into them can be verified.
type Buffer struct {
	device   *Device
	data     []byte
	usage    gfx.BufferUsage
	address  uint64
	mapped   bool
	once     sync.Once
	released bool
}

// Size returns the size of the buffer in bytes.
func (b *Buffer) Size() uint64 {
	return uint64(len(b.data))
}

// Usage returns the usage the buffer was created with.
func (b *Buffer) Usage() gfx.BufferUsage {
	return b.usage
}

// Bytes returns the mapped memory. Only mapped buffers may be accessed
// this way.
func (b *Buffer) Bytes() []byte {
	if !b.mapped {
		gfx.Precondition("Bytes on a buffer that is not host visible")
	}
	return b.data
}

// Release returns the memory of the buffer to its heap.
func (b *Buffer) Release() {
	b.once.Do(func() {
		b.device.free(b.heap(), uint64(len(b.data)))
		b.device.mutex.Lock()
		b.released = true
		b.device.mutex.Unlock()
	})
}

func (b *Buffer) heap() *heap {
	if b.mapped {
		return &b.device.host
	}
	return &b.device.local
}

// Image is a 2D image backed by tightly packed texels.
type Image struct {
	device   *Device
	extent   gfx.Extent3D
	format   gfx.Format
	usage    gfx.ImageUsage
	data     []byte
	layout   gfx.ImageLayout
	once     sync.Once
	released bool
}

// Extent returns the image dimensions.
func (i *Image) Extent() gfx.Extent3D {
	return i.extent
}

// Format returns the texel format.
func (i *Image) Format() gfx.Format {
	return i.format
}

// Release returns the image memory to the device heap.
func (i *Image) Release() {
	i.once.Do(func() {
		i.device.free(&i.device.local, uint64(len(i.data)))
		i.device.mutex.Lock()
		i.released = true
		i.device.mutex.Unlock()
	})
}

// AllocateBuffer allocates device-local memory.
func (d *Device) AllocateBuffer(desc gfx.BufferDescriptor) (gfx.Buffer, error) {
	b, err := d.allocateBuffer(desc, &d.local, false)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// AllocateMappedBuffer allocates host-visible memory and fills it with data.
func (d *Device) AllocateMappedBuffer(desc gfx.BufferDescriptor, data []byte) (gfx.MappedBuffer, error) {
	if uint64(len(data)) > desc.Size {
		gfx.Precondition("%d bytes do not fit a buffer of %d", len(data), desc.Size)
	}
	b, err := d.allocateBuffer(desc, &d.host, true)
	if err != nil {
		return nil, err
	}
	copy(b.data, data)
	return b, nil
}

func (d *Device) allocateBuffer(desc gfx.BufferDescriptor, h *heap, mapped bool) (*Buffer, error) {
	if desc.Size == 0 {
		gfx.Precondition("zero sized buffer allocation")
	}

	d.mutex.Lock()
	defer d.mutex.Unlock()

	if err := h.reserve(desc.Size); err != nil {
		d.log.WithFields(log.Fields{
			"heap":      h.name,
			"requested": units.BytesSize(float64(desc.Size)),
			"used":      units.BytesSize(float64(h.used)),
		}).Warn("allocation exceeds budget")
		return nil, &gfx.DeviceError{Op: "allocate " + h.name + " buffer", Err: err}
	}

	align := desc.Alignment
	if align == 0 {
		align = defaultAlignment
	}
	d.cursor = (d.cursor + align - 1) / align * align
	b := &Buffer{
		device:  d,
		data:    make([]byte, desc.Size),
		usage:   desc.Usage,
		address: d.cursor,
		mapped:  mapped,
	}
	d.cursor += desc.Size
	d.buffers = append(d.buffers, b)
	return b, nil
}

// AllocateImage allocates a device-local image.
func (d *Device) AllocateImage(desc gfx.ImageDescriptor) (gfx.Image, error) {
	texel := desc.Format.BytesPerTexel()
	if texel == 0 {
		return nil, &gfx.DeviceError{Op: "allocate image", Err: gfx.ErrUnsupported}
	}
	depth := desc.Extent.Depth
	if depth == 0 {
		depth = 1
	}
	size := uint64(desc.Extent.Width) * uint64(desc.Extent.Height) * uint64(depth) * uint64(texel)
	if size == 0 {
		gfx.Precondition("zero sized image allocation")
	}

	d.mutex.Lock()
	defer d.mutex.Unlock()

	if err := d.local.reserve(size); err != nil {
		return nil, &gfx.DeviceError{Op: "allocate image", Err: err}
	}
	img := &Image{
		device: d,
		extent: desc.Extent,
		format: desc.Format,
		usage:  desc.Usage,
		data:   make([]byte, size),
	}
	d.images = append(d.images, img)
	return img, nil
}

// BufferDeviceAddress returns the synthetic address of b. The buffer must
// have been created with BufferUsageDeviceAddress.
func (d *Device) BufferDeviceAddress(b gfx.Buffer) (uint64, error) {
	buf := d.buffer(b)
	if buf.usage&gfx.BufferUsageDeviceAddress == 0 {
		return 0, &gfx.DeviceError{Op: "buffer device address", Err: gfx.ErrUnsupported}
	}
	return buf.address, nil
}

func (d *Device) free(h *heap, size uint64) {
	d.mutex.Lock()
	h.free(size)
	d.mutex.Unlock()
}

func (d *Device) buffer(b gfx.Buffer) *Buffer {
	buf, ok := b.(*Buffer)
	if !ok || buf.device != d {
		gfx.Precondition("buffer %T does not belong to this device", b)
	}
	return buf
}

func (d *Device) image(i gfx.Image) *Image {
	img, ok := i.(*Image)
	if !ok || img.device != d {
		gfx.Precondition("image %T does not belong to this device", i)
	}
	return img
}

// Contents returns a copy of the bytes held by b, whatever its memory kind.
func (d *Device) Contents(b gfx.Buffer) []byte {
	buf := d.buffer(b)
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return append([]byte(nil), buf.data...)
}

// ImageContents returns a copy of the texels held by img.
func (d *Device) ImageContents(img gfx.Image) []byte {
	i := d.image(img)
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return append([]byte(nil), i.data...)
}

// Layout returns the layout img was left in by the last executed barrier.
func (d *Device) Layout(img gfx.Image) gfx.ImageLayout {
	i := d.image(img)
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return i.layout
}

// Usage returns the bytes currently allocated from host and device memory.
func (d *Device) Usage() (host, device uint64) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.host.used, d.local.used
}

// Live returns the number of buffers and images not yet released.
func (d *Device) Live() int {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	var n int
	for _, b := range d.buffers {
		if !b.released {
			n++
		}
	}
	for _, i := range d.images {
		if !i.released {
			n++
		}
	}
	return n
}
