// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package staging

import (
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/devblok/koru/v2/gfx"
)

// DefaultTimeout bounds the wait for an upload to finish on the device.
const DefaultTimeout = 100 * time.Second

// UploaderOption configures an Uploader.
type UploaderOption func(*Uploader)

// WithQueue selects the queue uploads are submitted to.
func WithQueue(q gfx.QueueType) UploaderOption {
	return func(u *Uploader) {
		u.queue = q
	}
}

// WithTimeout sets the fence wait timeout.
func WithTimeout(d time.Duration) UploaderOption {
	return func(u *Uploader) {
		u.timeout = d
	}
}

// WithLogger sets the logger used by the uploader.
func WithLogger(l log.FieldLogger) UploaderOption {
	return func(u *Uploader) {
		u.log = l
	}
}

// Uploader executes staging jobs synchronously: it records them into its own
// command buffer, submits, and waits for the transfer to complete. Uploads
// are serialised, so an Uploader may be shared between goroutines.
type Uploader struct {
	mutex   sync.Mutex
	device  gfx.Device
	queue   gfx.QueueType
	timeout time.Duration
	log     log.FieldLogger

	pool  gfx.CommandPool
	cb    gfx.CommandBuffer
	fence gfx.Fence

	// lost is set once a submission never completed; the command buffer
	// may still be executing, so it cannot be recorded again.
	lost error
}

// NewUploader creates the command pool, buffer and fence used for uploads.
func NewUploader(device gfx.Device, options ...UploaderOption) (*Uploader, error) {
	u := &Uploader{
		device:  device,
		queue:   gfx.QueueTransfer,
		timeout: DefaultTimeout,
		log:     log.StandardLogger(),
	}
	for _, opt := range options {
		opt(u)
	}
	u.log = u.log.WithField("component", "uploader")

	pool, err := device.CreateCommandPool(u.queue)
	if err != nil {
		return nil, fmt.Errorf("create upload command pool: %w", err)
	}
	cb, err := device.AllocateCommandBuffer(pool, gfx.CommandBufferLevelPrimary)
	if err != nil {
		pool.Release()
		return nil, fmt.Errorf("allocate upload command buffer: %w", err)
	}
	fence, err := device.CreateFence(false)
	if err != nil {
		pool.Release()
		return nil, fmt.Errorf("create upload fence: %w", err)
	}
	u.pool, u.cb, u.fence = pool, cb, fence
	return u, nil
}

// Upload executes job and returns its result once it is ready for use.
// The job's staging memory is released before returning.
func Upload[T any](u *Uploader, job *Job[T]) (T, error) {
	if err := u.UploadBatch(job); err != nil {
		var zero T
		return zero, err
	}
	return job.Result()
}

// UploadBatch records every job into a single submission and waits for it.
// On success the staging memory of each job is released and their results
// can be taken. A failure before submission discards every job. When the
// transfer was submitted but never completed the jobs are abandoned: their
// memory stays allocated and the uploader refuses further uploads.
func (u *Uploader) UploadBatch(jobs ...Recorder) error {
	pending := jobs[:0:0]
	for _, j := range jobs {
		if j.Empty() {
			// Recording a Noop moves it to Recorded so Result works.
			j.Record(nil)
			continue
		}
		pending = append(pending, j)
	}
	if len(pending) == 0 {
		return nil
	}

	u.mutex.Lock()
	defer u.mutex.Unlock()

	if u.lost != nil {
		for _, j := range pending {
			j.Discard()
		}
		return fmt.Errorf("uploader unusable: %w", u.lost)
	}

	start := time.Now()
	submitted, err := u.execute(pending)
	if err != nil {
		if submitted {
			for _, j := range pending {
				j.Abandon(err)
			}
			u.lost = err
			u.log.WithError(err).WithField("jobs", len(pending)).Error("upload never completed, memory left to device teardown")
			return err
		}
		for _, j := range pending {
			j.Discard()
		}
		u.log.WithError(err).WithField("jobs", len(pending)).Warn("upload failed")
		return err
	}
	for _, j := range pending {
		j.Release()
	}
	u.log.WithFields(log.Fields{
		"jobs":     len(pending),
		"duration": time.Since(start),
	}).Debug("upload complete")
	return nil
}

// execute records and submits jobs, then waits for them. submitted reports
// whether the device accepted the work.
func (u *Uploader) execute(jobs []Recorder) (submitted bool, err error) {
	if err := u.device.ResetCommandPool(u.pool); err != nil {
		return false, err
	}
	if err := u.cb.Begin(); err != nil {
		return false, err
	}
	for _, j := range jobs {
		if err := j.Record(u.cb); err != nil {
			// Leave the buffer in a consistent state for the next upload.
			u.cb.End()
			return false, err
		}
	}
	if err := u.cb.End(); err != nil {
		return false, err
	}
	if err := u.device.ResetFence(u.fence); err != nil {
		return false, err
	}
	if err := u.device.Submit(u.queue, []gfx.CommandBuffer{u.cb}, u.fence); err != nil {
		return false, err
	}
	return true, u.device.WaitForFence(u.fence, u.timeout)
}

// Close releases the command pool and fence.
func (u *Uploader) Close() {
	u.mutex.Lock()
	defer u.mutex.Unlock()
	u.fence.Release()
	u.pool.Release()
}
