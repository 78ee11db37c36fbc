// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package soft_test

import (
	"errors"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"

	"github.com/devblok/koru/v2/gfx"
	"github.com/devblok/koru/v2/gfx/soft"
)

func record(c *qt.C, d *soft.Device, fn func(cb gfx.CommandBuffer)) gfx.CommandBuffer {
	pool, err := d.CreateCommandPool(gfx.QueueTransfer)
	c.Assert(err, qt.IsNil)
	cb, err := d.AllocateCommandBuffer(pool, gfx.CommandBufferLevelPrimary)
	c.Assert(err, qt.IsNil)
	c.Assert(cb.Begin(), qt.IsNil)
	fn(cb)
	c.Assert(cb.End(), qt.IsNil)
	return cb
}

func TestCopyBuffer(t *testing.T) {
	c := qt.New(t)
	d := soft.NewDevice()

	src, err := d.AllocateMappedBuffer(gfx.BufferDescriptor{Size: 4, Usage: gfx.BufferUsageTransferSrc}, []byte{1, 2, 3, 4})
	c.Assert(err, qt.IsNil)
	dst, err := d.AllocateBuffer(gfx.BufferDescriptor{Size: 6, Usage: gfx.BufferUsageTransferDst})
	c.Assert(err, qt.IsNil)

	cb := record(c, d, func(cb gfx.CommandBuffer) {
		cb.CopyBuffer(src, dst, gfx.BufferCopy{SrcOffset: 1, DstOffset: 2, Size: 3})
	})
	c.Assert(d.Contents(dst), qt.DeepEquals, make([]byte, 6))

	fence, _ := d.CreateFence(false)
	c.Assert(d.Submit(gfx.QueueTransfer, []gfx.CommandBuffer{cb}, fence), qt.IsNil)
	c.Assert(d.WaitForFence(fence, time.Second), qt.IsNil)
	c.Assert(d.Contents(dst), qt.DeepEquals, []byte{0, 0, 2, 3, 4, 0})
	c.Assert(d.Stats().BytesCopied, qt.Equals, uint64(3))
}

func TestImageLayoutValidation(t *testing.T) {
	c := qt.New(t)
	d := soft.NewDevice()

	src, _ := d.AllocateMappedBuffer(gfx.BufferDescriptor{Size: 16, Usage: gfx.BufferUsageTransferSrc}, []byte("0123456789abcdef"))
	img, err := d.AllocateImage(gfx.ImageDescriptor{
		Extent: gfx.Extent3D{Width: 2, Height: 2, Depth: 1},
		Format: gfx.FormatR8G8B8A8Unorm,
		Usage:  gfx.ImageUsageTransferDst | gfx.ImageUsageSampled,
	})
	c.Assert(err, qt.IsNil)

	bad := record(c, d, func(cb gfx.CommandBuffer) {
		cb.CopyBufferToImage(src, img, gfx.ImageLayoutTransferDst, gfx.BufferImageCopy{Extent: img.Extent()})
	})
	err = d.Submit(gfx.QueueTransfer, []gfx.CommandBuffer{bad}, nil)
	c.Assert(err, qt.ErrorMatches, `submit: copy buffer to image: image is undefined, copy expects transfer-dst`)

	good := record(c, d, func(cb gfx.CommandBuffer) {
		cb.PipelineBarrier(gfx.PipelineStageTopOfPipe, gfx.PipelineStageTransfer, gfx.ImageBarrier{
			Image: img, OldLayout: gfx.ImageLayoutUndefined, NewLayout: gfx.ImageLayoutTransferDst,
		})
		cb.CopyBufferToImage(src, img, gfx.ImageLayoutTransferDst, gfx.BufferImageCopy{Extent: img.Extent()})
		cb.PipelineBarrier(gfx.PipelineStageTransfer, gfx.PipelineStageFragmentShader, gfx.ImageBarrier{
			Image: img, OldLayout: gfx.ImageLayoutTransferDst, NewLayout: gfx.ImageLayoutShaderReadOnly,
		})
	})
	c.Assert(d.Submit(gfx.QueueTransfer, []gfx.CommandBuffer{good}, nil), qt.IsNil)
	c.Assert(d.Layout(img), qt.Equals, gfx.ImageLayoutShaderReadOnly)
	c.Assert(string(d.ImageContents(img)), qt.Equals, "0123456789abcdef")
}

func TestBudgets(t *testing.T) {
	c := qt.New(t)
	d := soft.NewDevice(soft.WithHostBudget(64), soft.WithDeviceBudget(128))

	a, err := d.AllocateMappedBuffer(gfx.BufferDescriptor{Size: 64}, nil)
	c.Assert(err, qt.IsNil)
	_, err = d.AllocateMappedBuffer(gfx.BufferDescriptor{Size: 1}, nil)
	c.Assert(errors.Is(err, gfx.ErrOutOfHostMemory), qt.IsTrue)
	c.Assert(gfx.IsAllocationFailure(err), qt.IsTrue)

	_, err = d.AllocateImage(gfx.ImageDescriptor{Extent: gfx.Extent3D{Width: 8, Height: 8, Depth: 1}, Format: gfx.FormatR8G8B8A8Unorm})
	c.Assert(errors.Is(err, gfx.ErrOutOfDeviceMemory), qt.IsTrue)

	a.Release()
	a.Release()
	host, local := d.Usage()
	c.Assert(host, qt.Equals, uint64(0))
	c.Assert(local, qt.Equals, uint64(0))
	c.Assert(d.Live(), qt.Equals, 0)
}

func TestBufferDeviceAddress(t *testing.T) {
	c := qt.New(t)
	d := soft.NewDevice()

	plain, _ := d.AllocateBuffer(gfx.BufferDescriptor{Size: 10})
	_, err := d.BufferDeviceAddress(plain)
	c.Assert(errors.Is(err, gfx.ErrUnsupported), qt.IsTrue)

	addressed, _ := d.AllocateBuffer(gfx.BufferDescriptor{Size: 10, Usage: gfx.BufferUsageDeviceAddress, Alignment: 4096})
	addr, err := d.BufferDeviceAddress(addressed)
	c.Assert(err, qt.IsNil)
	c.Assert(addr%4096, qt.Equals, uint64(0))
}

func TestManualFences(t *testing.T) {
	c := qt.New(t)
	d := soft.NewDevice(soft.WithManualFences())

	signaled, _ := d.CreateFence(true)
	c.Assert(d.WaitForFence(signaled, time.Millisecond), qt.IsNil)

	fence, _ := d.CreateFence(false)
	c.Assert(d.Submit(gfx.QueueGraphics, nil, fence), qt.IsNil)
	c.Assert(d.InFlight(), qt.Equals, 1)

	err := d.WaitForFence(fence, 10*time.Millisecond)
	c.Assert(errors.Is(err, gfx.ErrTimeout), qt.IsTrue)
	c.Assert(gfx.IsFatal(err), qt.IsTrue)

	done := make(chan error)
	go func() { done <- d.WaitForFence(fence, time.Minute) }()
	c.Assert(d.CompleteNext(), qt.IsTrue)
	c.Assert(<-done, qt.IsNil)
	c.Assert(d.CompleteNext(), qt.IsFalse)

	c.Assert(d.ResetFence(fence), qt.IsNil)
	c.Assert(d.Signaled(fence), qt.IsFalse)
}

func TestDeviceLossAndInjectedFailures(t *testing.T) {
	c := qt.New(t)
	d := soft.NewDevice(soft.WithManualFences())

	d.FailNextSubmit(gfx.ErrOutOfDeviceMemory)
	err := d.Submit(gfx.QueueGraphics, nil, nil)
	c.Assert(err, qt.ErrorMatches, "submit: out of device memory")
	c.Assert(d.Submit(gfx.QueueGraphics, nil, nil), qt.IsNil)

	fence, _ := d.CreateFence(false)
	d.Lose()
	err = d.WaitForFence(fence, time.Minute)
	c.Assert(errors.Is(err, gfx.ErrDeviceLost), qt.IsTrue)
	c.Assert(errors.Is(d.Submit(gfx.QueueGraphics, nil, fence), gfx.ErrDeviceLost), qt.IsTrue)
}

func TestDrawStatsAndPoolReset(t *testing.T) {
	c := qt.New(t)
	d := soft.NewDevice()

	vb, _ := d.AllocateBuffer(gfx.BufferDescriptor{Size: 96, Usage: gfx.BufferUsageVertex})
	pool, _ := d.CreateCommandPool(gfx.QueueGraphics)
	cb, _ := d.AllocateCommandBuffer(pool, gfx.CommandBufferLevelSecondary)
	c.Assert(cb.Begin(), qt.IsNil)
	cb.BindVertexBuffers(0, vb)
	cb.Draw(3, 2, 0, 0)
	c.Assert(cb.End(), qt.IsNil)
	c.Assert(d.Submit(gfx.QueueGraphics, []gfx.CommandBuffer{cb}, nil), qt.IsNil)

	st := d.Stats()
	c.Assert(st.Draws, qt.Equals, 1)
	c.Assert(st.Vertices, qt.Equals, uint64(6))

	c.Assert(d.ResetCommandPool(pool), qt.IsNil)
	c.Assert(pool.(*soft.CommandPool).Resets(), qt.Equals, 1)
	err := d.Submit(gfx.QueueGraphics, []gfx.CommandBuffer{cb}, nil)
	c.Assert(err, qt.ErrorMatches, "submit: command buffer is not executable")
	c.Assert(func() { cb.Draw(1, 1, 0, 0) }, qt.PanicMatches, "precondition violated: command recorded outside Begin/End")
}
