// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package core

import (
	"sync/atomic"
	"time"
)

// Controller is the mutable state shared by the systems of every stage.
type Controller struct {
	ctx     *Context
	running atomic.Bool
	frame   uint64
	delta   time.Duration
	last    time.Time
}

// NewController creates a running controller over ctx.
func NewController(ctx *Context) *Controller {
	c := &Controller{ctx: ctx}
	c.running.Store(true)
	return c
}

// Running reports whether Quit has not been called yet.
func (c *Controller) Running() bool {
	return c.running.Load()
}

// Quit asks the loop to stop after the current iteration.
func (c *Controller) Quit() {
	c.running.Store(false)
}

// Context returns the engine context.
func (c *Controller) Context() *Context {
	return c.ctx
}

// Frame returns the number of the iteration in progress, starting at 1.
func (c *Controller) Frame() uint64 {
	return c.frame
}

// Delta returns the time elapsed since the previous iteration started.
func (c *Controller) Delta() time.Duration {
	return c.delta
}

// Advance starts a new iteration at now.
func (c *Controller) Advance(now time.Time) {
	if !c.last.IsZero() {
		c.delta = now.Sub(c.last)
	}
	c.last = now
	c.frame++
}
