// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package soft

import (
	"fmt"

	"github.com/devblok/koru/v2/gfx"
)

type bufferState int

const (
	bufferInitial bufferState = iota
	bufferRecording
	bufferExecutable
)

// command is executed with the device mutex held.
type command func(d *Device, s *Stats) error

// CommandPool groups command buffers so they can be reset together.
type CommandPool struct {
	device   *Device
	queue    gfx.QueueType
	buffers  []*CommandBuffer
	resets   int
	released bool
}

// Release frees the pool and every command buffer allocated from it.
func (p *CommandPool) Release() {
	p.device.mutex.Lock()
	defer p.device.mutex.Unlock()
	p.released = true
	p.buffers = nil
}

// Resets returns how many times the pool was reset.
func (p *CommandPool) Resets() int {
	p.device.mutex.Lock()
	defer p.device.mutex.Unlock()
	return p.resets
}

// CommandBuffer records commands as closures that run on submission.
type CommandBuffer struct {
	pool     *CommandPool
	level    gfx.CommandBufferLevel
	state    bufferState
	commands []command
}

// Level returns the level the buffer was allocated with.
func (cb *CommandBuffer) Level() gfx.CommandBufferLevel {
	return cb.level
}

// Begin starts recording, discarding whatever was recorded before.
func (cb *CommandBuffer) Begin() error {
	if cb.state == bufferRecording {
		return &gfx.DeviceError{Op: "begin command buffer", Err: fmt.Errorf("already recording")}
	}
	cb.commands = cb.commands[:0]
	cb.state = bufferRecording
	return nil
}

// End finishes recording.
func (cb *CommandBuffer) End() error {
	if cb.state != bufferRecording {
		return &gfx.DeviceError{Op: "end command buffer", Err: fmt.Errorf("not recording")}
	}
	cb.state = bufferExecutable
	return nil
}

func (cb *CommandBuffer) record(c command) {
	if cb.state != bufferRecording {
		gfx.Precondition("command recorded outside Begin/End")
	}
	cb.commands = append(cb.commands, c)
}

// CopyBuffer copies byte regions from src into dst.
func (cb *CommandBuffer) CopyBuffer(src, dst gfx.Buffer, regions ...gfx.BufferCopy) {
	d := cb.pool.device
	s, t := d.buffer(src), d.buffer(dst)
	cb.record(func(d *Device, st *Stats) error {
		if s.released || t.released {
			return fmt.Errorf("copy buffer: use of released buffer")
		}
		for _, r := range regions {
			if r.SrcOffset+r.Size > uint64(len(s.data)) || r.DstOffset+r.Size > uint64(len(t.data)) {
				return fmt.Errorf("copy buffer: region %+v out of bounds", r)
			}
			copy(t.data[r.DstOffset:r.DstOffset+r.Size], s.data[r.SrcOffset:r.SrcOffset+r.Size])
			st.BytesCopied += r.Size
		}
		return nil
	})
}

// CopyBufferToImage copies tightly packed texels into dst, which must be in
// the transfer destination layout when the copy executes.
func (cb *CommandBuffer) CopyBufferToImage(src gfx.Buffer, dst gfx.Image, layout gfx.ImageLayout, region gfx.BufferImageCopy) {
	d := cb.pool.device
	s, img := d.buffer(src), d.image(dst)
	cb.record(func(d *Device, st *Stats) error {
		if s.released || img.released {
			return fmt.Errorf("copy buffer to image: use of released resource")
		}
		if layout != gfx.ImageLayoutTransferDst || img.layout != layout {
			return fmt.Errorf("copy buffer to image: image is %s, copy expects %s", img.layout, layout)
		}
		depth := region.Extent.Depth
		if depth == 0 {
			depth = 1
		}
		size := uint64(region.Extent.Width) * uint64(region.Extent.Height) * uint64(depth) * uint64(img.format.BytesPerTexel())
		if region.BufferOffset+size > uint64(len(s.data)) || size > uint64(len(img.data)) {
			return fmt.Errorf("copy buffer to image: %d bytes out of bounds", size)
		}
		copy(img.data, s.data[region.BufferOffset:region.BufferOffset+size])
		st.BytesCopied += size
		return nil
	})
}

// PipelineBarrier applies image layout transitions. Each barrier must name
// the layout the image is actually in.
func (cb *CommandBuffer) PipelineBarrier(src, dst gfx.PipelineStage, barriers ...gfx.ImageBarrier) {
	d := cb.pool.device
	images := make([]*Image, len(barriers))
	for i, b := range barriers {
		images[i] = d.image(b.Image)
	}
	cb.record(func(d *Device, st *Stats) error {
		for i, b := range barriers {
			img := images[i]
			if b.OldLayout != gfx.ImageLayoutUndefined && img.layout != b.OldLayout {
				return fmt.Errorf("pipeline barrier: image is %s, barrier expects %s", img.layout, b.OldLayout)
			}
			img.layout = b.NewLayout
			st.Barriers++
		}
		return nil
	})
}

// BindVertexBuffers checks the bound buffers carry the vertex usage.
func (cb *CommandBuffer) BindVertexBuffers(first uint32, buffers ...gfx.Buffer) {
	d := cb.pool.device
	bound := make([]*Buffer, len(buffers))
	for i, b := range buffers {
		bound[i] = d.buffer(b)
	}
	cb.record(func(d *Device, st *Stats) error {
		for _, b := range bound {
			if b.usage&gfx.BufferUsageVertex == 0 {
				return fmt.Errorf("bind vertex buffers: buffer lacks vertex usage")
			}
		}
		return nil
	})
}

// Draw counts the vertices that would have been processed.
func (cb *CommandBuffer) Draw(vertexCount, instanceCount, firstVertex, firstInstance uint32) {
	cb.record(func(d *Device, st *Stats) error {
		st.Draws++
		st.Vertices += uint64(vertexCount) * uint64(instanceCount)
		return nil
	})
}
