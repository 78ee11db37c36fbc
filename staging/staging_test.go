// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package staging_test

import (
	"errors"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"

	"github.com/devblok/koru/v2/gfx"
	"github.com/devblok/koru/v2/gfx/soft"
	"github.com/devblok/koru/v2/staging"
)

type vertex struct {
	X, Y float32
}

func transferBuffer(c *qt.C, d *soft.Device) gfx.CommandBuffer {
	pool, err := d.CreateCommandPool(gfx.QueueTransfer)
	c.Assert(err, qt.IsNil)
	cb, err := d.AllocateCommandBuffer(pool, gfx.CommandBufferLevelPrimary)
	c.Assert(err, qt.IsNil)
	c.Assert(cb.Begin(), qt.IsNil)
	return cb
}

func TestSliceRoundTrip(t *testing.T) {
	c := qt.New(t)
	d := soft.NewDevice()
	quad := []vertex{{0, 0}, {1, 0}, {0, 1}, {1, 1}}

	job, err := staging.Slice(d, gfx.BufferUsageVertex, quad)
	c.Assert(err, qt.IsNil)
	c.Assert(job.State(), qt.Equals, staging.Staged)

	cb := transferBuffer(c, d)
	arr, err := job.Finalize(cb)
	c.Assert(err, qt.IsNil)
	c.Assert(cb.End(), qt.IsNil)
	c.Assert(d.Submit(gfx.QueueTransfer, []gfx.CommandBuffer{cb}, nil), qt.IsNil)
	job.Release()

	c.Assert(arr.Len, qt.Equals, 4)
	got := staging.FromBytes[vertex](d.Contents(arr.Buffer))
	c.Assert(got, qt.DeepEquals, quad)
	c.Assert(arr.Buffer.Usage()&gfx.BufferUsageVertex, qt.Not(qt.Equals), gfx.BufferUsage(0))

	// Only the destination buffer is left.
	c.Assert(d.Live(), qt.Equals, 1)
	arr.Release()
	c.Assert(d.Live(), qt.Equals, 0)
}

func TestFinalizeTwicePanics(t *testing.T) {
	c := qt.New(t)
	d := soft.NewDevice()

	job, err := staging.Slice(d, gfx.BufferUsageIndex, []uint32{0, 1, 2})
	c.Assert(err, qt.IsNil)
	cb := transferBuffer(c, d)
	_, err = job.Finalize(cb)
	c.Assert(err, qt.IsNil)
	c.Assert(func() { job.Finalize(cb) }, qt.PanicMatches, `precondition violated: staging job finalized twice \(state complete\)`)
}

func TestEmptyInputIsNoop(t *testing.T) {
	c := qt.New(t)
	d := soft.NewDevice()

	job, err := staging.Slice[vertex](d, gfx.BufferUsageVertex, nil)
	c.Assert(err, qt.IsNil)
	c.Assert(job.Empty(), qt.IsTrue)
	c.Assert(d.Live(), qt.Equals, 0)

	arr, err := job.Finalize(nil)
	c.Assert(err, qt.IsNil)
	c.Assert(arr, qt.IsNil)
}

func TestAllocationFailureCreatesNoJob(t *testing.T) {
	c := qt.New(t)
	d := soft.NewDevice(soft.WithDeviceBudget(8))

	job, err := staging.Slice(d, gfx.BufferUsageVertex, []vertex{{0, 0}, {1, 1}})
	c.Assert(job, qt.IsNil)
	c.Assert(errors.Is(err, gfx.ErrOutOfDeviceMemory), qt.IsTrue)
	c.Assert(d.Live(), qt.Equals, 0)
}

func TestTransitionImageLayout(t *testing.T) {
	c := qt.New(t)
	d := soft.NewDevice()

	img, err := staging.DeviceImage(d, gfx.Extent3D{Width: 1, Height: 1, Depth: 1}, gfx.FormatR8Unorm)
	c.Assert(err, qt.IsNil)
	cb := transferBuffer(c, d)

	c.Assert(func() {
		staging.TransitionImageLayout(cb, img, gfx.ImageLayoutUndefined, gfx.ImageLayoutShaderReadOnly)
	}, qt.PanicMatches, "precondition violated: unsupported layout transition undefined -> shader-read-only")
	c.Assert(func() {
		staging.TransitionImageLayout(cb, img, gfx.ImageLayoutShaderReadOnly, gfx.ImageLayoutTransferDst)
	}, qt.PanicMatches, "precondition violated: unsupported layout transition shader-read-only -> transfer-dst")

	staging.TransitionImageLayout(cb, img, gfx.ImageLayoutUndefined, gfx.ImageLayoutTransferDst)
	staging.TransitionImageLayout(cb, img, gfx.ImageLayoutTransferDst, gfx.ImageLayoutShaderReadOnly)
	c.Assert(cb.End(), qt.IsNil)
	c.Assert(d.Submit(gfx.QueueTransfer, []gfx.CommandBuffer{cb}, nil), qt.IsNil)
	c.Assert(d.Layout(img), qt.Equals, gfx.ImageLayoutShaderReadOnly)
}

func TestReleaseBeforeRecordFreesEverything(t *testing.T) {
	c := qt.New(t)
	d := soft.NewDevice()

	job, err := staging.Slice(d, gfx.BufferUsageStorage, []float32{1, 2, 3})
	c.Assert(err, qt.IsNil)
	c.Assert(d.Live(), qt.Equals, 2)
	job.Release()
	c.Assert(d.Live(), qt.Equals, 0)
	c.Assert(job.State(), qt.Equals, staging.Released)
}

func TestFailingFinalizerReleasesDestination(t *testing.T) {
	c := qt.New(t)
	d := soft.NewDevice()

	dst, err := staging.DeviceBuffer(d, gfx.BufferUsageUniform, 64)
	c.Assert(err, qt.IsNil)
	boom := errors.New("bad source")
	job := staging.New[gfx.Buffer](func(cb gfx.CommandBuffer) (gfx.Buffer, error) {
		return nil, boom
	}, nil, []gfx.Releasable{dst})

	_, err = job.Finalize(transferBuffer(c, d))
	c.Assert(err, qt.Equals, boom)
	job.Release()
	c.Assert(d.Live(), qt.Equals, 0)
}

func TestUploader(t *testing.T) {
	c := qt.New(t)
	d := soft.NewDevice()

	u, err := staging.NewUploader(d)
	c.Assert(err, qt.IsNil)
	defer u.Close()

	job, err := staging.Slice(d, gfx.BufferUsageVertex, []vertex{{2, 3}})
	c.Assert(err, qt.IsNil)
	arr, err := staging.Upload(u, job)
	c.Assert(err, qt.IsNil)
	c.Assert(staging.FromBytes[vertex](d.Contents(arr.Buffer)), qt.DeepEquals, []vertex{{2, 3}})
	c.Assert(job.State(), qt.Equals, staging.Released)
	c.Assert(d.Live(), qt.Equals, 1)

	empty, err := staging.Slice[vertex](d, gfx.BufferUsageVertex, nil)
	c.Assert(err, qt.IsNil)
	none, err := staging.Upload(u, empty)
	c.Assert(err, qt.IsNil)
	c.Assert(none, qt.IsNil)
	c.Assert(d.Stats().Submissions, qt.Equals, 1)
}

func TestUploadBatch(t *testing.T) {
	c := qt.New(t)
	d := soft.NewDevice()

	u, err := staging.NewUploader(d)
	c.Assert(err, qt.IsNil)
	defer u.Close()

	a, _ := staging.Slice(d, gfx.BufferUsageVertex, []vertex{{1, 1}})
	b, _ := staging.Slice(d, gfx.BufferUsageIndex, []uint16{0, 1, 2})
	c.Assert(u.UploadBatch(a, b), qt.IsNil)
	c.Assert(d.Stats().Submissions, qt.Equals, 1)

	va, err := a.Result()
	c.Assert(err, qt.IsNil)
	ib, err := b.Result()
	c.Assert(err, qt.IsNil)
	c.Assert(staging.FromBytes[uint16](d.Contents(ib.Buffer)), qt.DeepEquals, []uint16{0, 1, 2})
	c.Assert(va.Len, qt.Equals, 1)
	c.Assert(d.Live(), qt.Equals, 2)
}

func TestUploadFailureDiscardsJob(t *testing.T) {
	c := qt.New(t)
	d := soft.NewDevice()

	u, err := staging.NewUploader(d)
	c.Assert(err, qt.IsNil)
	defer u.Close()

	job, _ := staging.Slice(d, gfx.BufferUsageVertex, []vertex{{1, 2}})
	d.FailNextSubmit(gfx.ErrOutOfHostMemory)
	_, err = staging.Upload(u, job)
	c.Assert(gfx.IsAllocationFailure(err), qt.IsTrue)
	c.Assert(d.Live(), qt.Equals, 0)
}

func TestUploadTimeout(t *testing.T) {
	c := qt.New(t)
	d := soft.NewDevice(soft.WithManualFences())

	u, err := staging.NewUploader(d, staging.WithTimeout(10*time.Millisecond))
	c.Assert(err, qt.IsNil)
	defer u.Close()

	job, _ := staging.Slice(d, gfx.BufferUsageVertex, []vertex{{1, 2}})
	_, err = staging.Upload(u, job)
	c.Assert(errors.Is(err, gfx.ErrTimeout), qt.IsTrue)
	c.Assert(gfx.IsFatal(err), qt.IsTrue)

	// The transfer is still pending, so neither buffer may be freed.
	c.Assert(d.InFlight(), qt.Equals, 1)
	c.Assert(d.Live(), qt.Equals, 2)
	_, err = job.Result()
	c.Assert(errors.Is(err, gfx.ErrTimeout), qt.IsTrue)

	// The command buffer may still execute, so later uploads are refused
	// before anything is recorded.
	next, _ := staging.Slice(d, gfx.BufferUsageVertex, []vertex{{3, 4}})
	_, err = staging.Upload(u, next)
	c.Assert(err, qt.ErrorMatches, "uploader unusable: .*")
	c.Assert(next.State(), qt.Equals, staging.Released)
	c.Assert(d.InFlight(), qt.Equals, 1)
	c.Assert(d.Live(), qt.Equals, 2)
}

func TestResultAfterDiscard(t *testing.T) {
	c := qt.New(t)
	d := soft.NewDevice()

	job, err := staging.Slice(d, gfx.BufferUsageVertex, []vertex{{1, 2}})
	c.Assert(err, qt.IsNil)
	c.Assert(job.Record(transferBuffer(c, d)), qt.IsNil)
	job.Discard()
	c.Assert(d.Live(), qt.Equals, 0)

	arr, err := job.Result()
	c.Assert(err, qt.Equals, staging.ErrDiscarded)
	c.Assert(arr, qt.IsNil)
}

func TestAsBytes(t *testing.T) {
	c := qt.New(t)

	c.Assert(staging.AsBytes([]uint16{0x0102}), qt.HasLen, 2)
	c.Assert(staging.AsBytes([]vertex(nil)), qt.IsNil)
	c.Assert(staging.FromBytes[uint32]([]byte{1, 2}), qt.IsNil)
}
