// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package staging implements two-phase GPU uploads. A loader stages source
// bytes into host-visible memory and allocates the device-only destination
// on any goroutine; the returned Job later records the transfer into a
// command buffer and produces the finished resource.
package staging

import (
	"errors"
	"sync"

	"github.com/devblok/koru/v2/gfx"
)

// ErrDiscarded is returned by Result for a job whose memory was freed
// before its result was taken.
var ErrDiscarded = errors.New("staging job discarded")

// State is the lifecycle position of a Job.
type State int

// Job states, in order.
const (
	Staged State = iota
	Recorded
	Complete
	Released
)

func (s State) String() string {
	switch s {
	case Staged:
		return "staged"
	case Recorded:
		return "recorded"
	case Complete:
		return "complete"
	case Released:
		return "released"
	}
	return "unknown"
}

// Finalizer records the transfer of a staged resource into cb and returns
// the resource that owns the destination memory.
type Finalizer[T any] func(cb gfx.CommandBuffer) (T, error)

// Recorder is the type independent side of a Job, used to batch jobs of
// different resource types into one submission.
type Recorder interface {
	Record(cb gfx.CommandBuffer) error
	Release()
	Discard()
	Abandon(err error)
	Empty() bool
}

// Job is a one-shot deferred resource builder. It owns its staging
// allocations until Release and its destination allocations until the
// result is taken.
type Job[T any] struct {
	mutex       sync.Mutex
	state       State
	finalize    Finalizer[T]
	staging     []gfx.Releasable
	destination []gfx.Releasable
	result      T
	err         error
	handedOff   bool
}

// New creates a job from a finalize closure. staging lists host memory that
// must outlive the transfer; destination lists device memory that the
// finalized resource takes over.
func New[T any](finalize Finalizer[T], staging, destination []gfx.Releasable) *Job[T] {
	if finalize == nil {
		gfx.Precondition("staging job without finalizer")
	}
	return &Job[T]{
		finalize:    finalize,
		staging:     staging,
		destination: destination,
	}
}

// Noop returns an inert job, used for empty input. It records nothing and
// yields the zero value of T.
func Noop[T any]() *Job[T] {
	return &Job[T]{}
}

// Empty reports whether the job is a Noop.
func (j *Job[T]) Empty() bool {
	return j.finalize == nil
}

// State returns the current state of the job.
func (j *Job[T]) State() State {
	j.mutex.Lock()
	defer j.mutex.Unlock()
	return j.state
}

// Record runs the finalize closure against cb. It may be called only once.
func (j *Job[T]) Record(cb gfx.CommandBuffer) error {
	j.mutex.Lock()
	defer j.mutex.Unlock()

	if j.state != Staged {
		gfx.Precondition("staging job finalized twice (state %s)", j.state)
	}
	j.state = Recorded
	if j.finalize == nil {
		return nil
	}
	finalize := j.finalize
	j.finalize = nil
	j.result, j.err = finalize(cb)
	return j.err
}

// Result hands the finished resource over to the caller. It must only be
// trusted once the command buffer passed to Record has executed.
func (j *Job[T]) Result() (T, error) {
	j.mutex.Lock()
	defer j.mutex.Unlock()

	var zero T
	switch {
	case j.state == Staged:
		gfx.Precondition("result of a staging job that was not recorded")
	case j.err != nil:
		return zero, j.err
	case j.handedOff:
		gfx.Precondition("result of a staging job taken twice")
	}
	j.handedOff = true
	if j.state == Recorded {
		j.state = Complete
	}
	j.destination = nil
	return j.result, nil
}

// Finalize records the transfer and returns the result in one step.
func (j *Job[T]) Finalize(cb gfx.CommandBuffer) (T, error) {
	if err := j.Record(cb); err != nil {
		var zero T
		return zero, err
	}
	return j.Result()
}

// Release frees the staging memory. It must be called after the transfer
// fence has signalled. Destination memory is freed as well when the job was
// never recorded or its finalizer failed, as no resource will own it.
func (j *Job[T]) Release() {
	j.mutex.Lock()
	defer j.mutex.Unlock()

	releaseAll(j.staging)
	j.staging = nil
	if j.state == Staged || j.err != nil {
		releaseAll(j.destination)
		j.destination = nil
	}
	j.state = Released
}

// Discard frees everything the job owns except a result already handed
// over. It is used when the transfer could not be submitted.
func (j *Job[T]) Discard() {
	j.mutex.Lock()
	defer j.mutex.Unlock()

	releaseAll(j.staging)
	j.staging = nil
	if !j.handedOff {
		releaseAll(j.destination)
		j.destination = nil
	}
	if !j.handedOff && j.err == nil {
		j.err = ErrDiscarded
	}
	var zero T
	j.result = zero
	j.finalize = nil
	j.state = Released
}

// Abandon drops every reference the job holds without freeing anything.
// It is used when a submitted transfer never completed: the device may
// still be reading staging memory and writing the destination, so both are
// left to device teardown. Result reports err afterwards.
func (j *Job[T]) Abandon(err error) {
	j.mutex.Lock()
	defer j.mutex.Unlock()

	j.staging = nil
	j.destination = nil
	if !j.handedOff && j.err == nil {
		j.err = err
	}
	var zero T
	j.result = zero
	j.finalize = nil
	j.state = Released
}

func releaseAll(rs []gfx.Releasable) {
	for _, r := range rs {
		r.Release()
	}
}
