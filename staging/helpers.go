// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package staging

import (
	"unsafe"

	"github.com/devblok/koru/v2/gfx"
)

// AsBytes reslices elements into their in-memory byte representation.
// E must not contain pointers.
func AsBytes[E any](elems []E) []byte {
	if len(elems) == 0 {
		return nil
	}
	var zero E
	return unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(elems))), len(elems)*int(unsafe.Sizeof(zero)))
}

// FromBytes is the reverse of AsBytes. The returned slice aliases data and
// trailing bytes that do not form a whole element are ignored.
func FromBytes[E any](data []byte) []E {
	var zero E
	size := int(unsafe.Sizeof(zero))
	if size == 0 || len(data) < size {
		return nil
	}
	return unsafe.Slice((*E)(unsafe.Pointer(unsafe.SliceData(data))), len(data)/size)
}

// StagingBuffer allocates host-visible memory holding a copy of data,
// usable as a transfer source.
func StagingBuffer(alloc gfx.Allocator, data []byte) (gfx.MappedBuffer, error) {
	return alloc.AllocateMappedBuffer(gfx.BufferDescriptor{
		Size:  uint64(len(data)),
		Usage: gfx.BufferUsageTransferSrc,
	}, data)
}

// DeviceBuffer allocates device-only memory of size bytes that can be the
// destination of a transfer.
func DeviceBuffer(alloc gfx.Allocator, usage gfx.BufferUsage, size uint64) (gfx.Buffer, error) {
	return alloc.AllocateBuffer(gfx.BufferDescriptor{
		Size:  size,
		Usage: usage | gfx.BufferUsageTransferDst,
	})
}

// DeviceImage allocates a sampled device image that can be the destination
// of a transfer.
func DeviceImage(alloc gfx.Allocator, extent gfx.Extent3D, format gfx.Format) (gfx.Image, error) {
	return alloc.AllocateImage(gfx.ImageDescriptor{
		Extent: extent,
		Format: format,
		Usage:  gfx.ImageUsageTransferDst | gfx.ImageUsageSampled,
	})
}

// TransitionImageLayout records the barrier moving img between layouts.
// Only the two steps of an upload are supported: undefined to transfer
// destination and transfer destination to shader read-only. Any other pair
// panics.
func TransitionImageLayout(cb gfx.CommandBuffer, img gfx.Image, from, to gfx.ImageLayout) {
	barrier := gfx.ImageBarrier{
		Image:     img,
		OldLayout: from,
		NewLayout: to,
	}
	var src, dst gfx.PipelineStage
	switch {
	case from == gfx.ImageLayoutUndefined && to == gfx.ImageLayoutTransferDst:
		barrier.SrcAccess = gfx.AccessNone
		barrier.DstAccess = gfx.AccessTransferWrite
		src, dst = gfx.PipelineStageTopOfPipe, gfx.PipelineStageTransfer
	case from == gfx.ImageLayoutTransferDst && to == gfx.ImageLayoutShaderReadOnly:
		barrier.SrcAccess = gfx.AccessTransferWrite
		barrier.DstAccess = gfx.AccessShaderRead
		src, dst = gfx.PipelineStageTransfer, gfx.PipelineStageFragmentShader
	default:
		gfx.Precondition("unsupported layout transition %s -> %s", from, to)
	}
	cb.PipelineBarrier(src, dst, barrier)
}

// CopyBufferToImage records a copy of the whole image from tightly packed
// texels in buf. img must be in the transfer destination layout.
func CopyBufferToImage(cb gfx.CommandBuffer, buf gfx.Buffer, img gfx.Image) {
	cb.CopyBufferToImage(buf, img, gfx.ImageLayoutTransferDst, gfx.BufferImageCopy{
		Extent: img.Extent(),
	})
}

// Array is a device buffer holding Len elements of E.
type Array[E any] struct {
	Buffer gfx.Buffer
	Len    int
}

// Release frees the device buffer.
func (a *Array[E]) Release() {
	if a.Buffer != nil {
		a.Buffer.Release()
	}
}

// Slice stages elems into a new device buffer with the given usage.
// Allocation failures are returned before any job exists; empty input
// yields a Noop job.
func Slice[E any](alloc gfx.Allocator, usage gfx.BufferUsage, elems []E) (*Job[*Array[E]], error) {
	data := AsBytes(elems)
	if len(data) == 0 {
		return Noop[*Array[E]](), nil
	}

	src, err := StagingBuffer(alloc, data)
	if err != nil {
		return nil, err
	}
	dst, err := DeviceBuffer(alloc, usage, uint64(len(data)))
	if err != nil {
		src.Release()
		return nil, err
	}

	n := len(elems)
	return New[*Array[E]](func(cb gfx.CommandBuffer) (*Array[E], error) {
		cb.CopyBuffer(src, dst, gfx.BufferCopy{Size: uint64(len(data))})
		return &Array[E]{Buffer: dst, Len: n}, nil
	}, []gfx.Releasable{src}, []gfx.Releasable{dst}), nil
}
