// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package renderer

import (
	"time"

	"github.com/devblok/koru/v2/frame"
	"github.com/devblok/koru/v2/gfx"
)

// Configuration describes the renderer configuration
type Configuration struct {
	// FramesInFlight bounds how far the CPU may run ahead of the GPU.
	FramesInFlight int

	// Threads is the number of goroutines recording draws in parallel.
	Threads int

	FenceTimeout time.Duration
}

func (c Configuration) frameConfig() frame.Config {
	cfg := frame.DefaultConfig()
	if c.FramesInFlight > 0 {
		cfg.Frames = c.FramesInFlight
	}
	if c.Threads > 0 {
		cfg.Threads = c.Threads
	}
	if c.FenceTimeout > 0 {
		cfg.FenceTimeout = c.FenceTimeout
	}
	cfg.Queue = gfx.QueueGraphics
	return cfg
}
