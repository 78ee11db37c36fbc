// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package gfx

// BufferUsage describes how a buffer is going to be used.
type BufferUsage uint32

// Buffer usages, may be combined.
const (
	BufferUsageTransferSrc BufferUsage = 1 << iota
	BufferUsageTransferDst
	BufferUsageUniform
	BufferUsageStorage
	BufferUsageIndex
	BufferUsageVertex
	BufferUsageDeviceAddress
)

// ImageUsage describes how an image is going to be used.
type ImageUsage uint32

// Image usages, may be combined.
const (
	ImageUsageTransferSrc ImageUsage = 1 << iota
	ImageUsageTransferDst
	ImageUsageSampled
	ImageUsageStorage
	ImageUsageColorAttachment
)

// Format identifies a texel format.
type Format int

// Supported texel formats.
const (
	FormatUndefined Format = iota
	FormatR8Unorm
	FormatR8G8B8A8Unorm
	FormatR8G8B8A8Srgb
)

// BytesPerTexel returns the size of one texel, zero for unknown formats.
func (f Format) BytesPerTexel() int {
	switch f {
	case FormatR8Unorm:
		return 1
	case FormatR8G8B8A8Unorm, FormatR8G8B8A8Srgb:
		return 4
	}
	return 0
}

// ImageLayout is the layout an image is in on the device.
type ImageLayout int

// Image layouts the resource core transitions between.
const (
	ImageLayoutUndefined ImageLayout = iota
	ImageLayoutTransferDst
	ImageLayoutShaderReadOnly
)

func (l ImageLayout) String() string {
	switch l {
	case ImageLayoutUndefined:
		return "undefined"
	case ImageLayoutTransferDst:
		return "transfer-dst"
	case ImageLayoutShaderReadOnly:
		return "shader-read-only"
	}
	return "unknown"
}

// Access is a memory access mask used by barriers.
type Access uint32

// Access masks.
const (
	AccessNone          Access = 0
	AccessTransferWrite Access = 1 << iota
	AccessShaderRead
)

// PipelineStage is a pipeline stage mask used by barriers.
type PipelineStage uint32

// Pipeline stages.
const (
	PipelineStageTopOfPipe PipelineStage = 1 << iota
	PipelineStageTransfer
	PipelineStageFragmentShader
)

// QueueType selects the queue family work is submitted to.
type QueueType int

// Queue families.
const (
	QueueGraphics QueueType = iota
	QueueTransfer
	QueueCompute
)

// CommandBufferLevel is primary or secondary.
type CommandBufferLevel int

// Command buffer levels.
const (
	CommandBufferLevelPrimary CommandBufferLevel = iota
	CommandBufferLevelSecondary
)

// Extent3D is a three dimensional size.
type Extent3D struct {
	Width, Height, Depth uint32
}

// BufferDescriptor describes a buffer allocation.
type BufferDescriptor struct {
	Size  uint64
	Usage BufferUsage
	// Alignment is the minimum alignment of the allocation, zero means
	// the allocator default.
	Alignment uint64
}

// ImageDescriptor describes a 2D image allocation.
type ImageDescriptor struct {
	Extent Extent3D
	Format Format
	Usage  ImageUsage
}

// BufferCopy is a region copied between two buffers.
type BufferCopy struct {
	SrcOffset, DstOffset, Size uint64
}

// BufferImageCopy is a region copied from a tightly packed buffer into an image.
type BufferImageCopy struct {
	BufferOffset uint64
	Extent       Extent3D
}

// ImageBarrier transitions an image between layouts.
type ImageBarrier struct {
	Image     Image
	OldLayout ImageLayout
	NewLayout ImageLayout
	SrcAccess Access
	DstAccess Access
}
