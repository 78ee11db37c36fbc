// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package vkr

import (
	vk "github.com/devblok/vulkan"

	"github.com/devblok/koru/v2/gfx"
)

var bufferUsages = []struct {
	from gfx.BufferUsage
	to   vk.BufferUsageFlagBits
}{
	{gfx.BufferUsageTransferSrc, vk.BufferUsageTransferSrcBit},
	{gfx.BufferUsageTransferDst, vk.BufferUsageTransferDstBit},
	{gfx.BufferUsageUniform, vk.BufferUsageUniformBufferBit},
	{gfx.BufferUsageStorage, vk.BufferUsageStorageBufferBit},
	{gfx.BufferUsageIndex, vk.BufferUsageIndexBufferBit},
	{gfx.BufferUsageVertex, vk.BufferUsageVertexBufferBit},
}

func bufferUsage(u gfx.BufferUsage) vk.BufferUsageFlags {
	var flags vk.BufferUsageFlagBits
	for _, m := range bufferUsages {
		if u&m.from != 0 {
			flags |= m.to
		}
	}
	return vk.BufferUsageFlags(flags)
}

var imageUsages = []struct {
	from gfx.ImageUsage
	to   vk.ImageUsageFlagBits
}{
	{gfx.ImageUsageTransferSrc, vk.ImageUsageTransferSrcBit},
	{gfx.ImageUsageTransferDst, vk.ImageUsageTransferDstBit},
	{gfx.ImageUsageSampled, vk.ImageUsageSampledBit},
	{gfx.ImageUsageStorage, vk.ImageUsageStorageBit},
	{gfx.ImageUsageColorAttachment, vk.ImageUsageColorAttachmentBit},
}

func imageUsage(u gfx.ImageUsage) vk.ImageUsageFlags {
	var flags vk.ImageUsageFlagBits
	for _, m := range imageUsages {
		if u&m.from != 0 {
			flags |= m.to
		}
	}
	return vk.ImageUsageFlags(flags)
}

func format(f gfx.Format) (vk.Format, bool) {
	switch f {
	case gfx.FormatR8Unorm:
		return vk.FormatR8Unorm, true
	case gfx.FormatR8G8B8A8Unorm:
		return vk.FormatR8g8b8a8Unorm, true
	case gfx.FormatR8G8B8A8Srgb:
		return vk.FormatR8g8b8a8Srgb, true
	}
	return vk.FormatUndefined, false
}

func layout(l gfx.ImageLayout) vk.ImageLayout {
	switch l {
	case gfx.ImageLayoutTransferDst:
		return vk.ImageLayoutTransferDstOptimal
	case gfx.ImageLayoutShaderReadOnly:
		return vk.ImageLayoutShaderReadOnlyOptimal
	}
	return vk.ImageLayoutUndefined
}

func access(a gfx.Access) vk.AccessFlags {
	var flags vk.AccessFlagBits
	if a&gfx.AccessTransferWrite != 0 {
		flags |= vk.AccessTransferWriteBit
	}
	if a&gfx.AccessShaderRead != 0 {
		flags |= vk.AccessShaderReadBit
	}
	return vk.AccessFlags(flags)
}

func stage(s gfx.PipelineStage) vk.PipelineStageFlags {
	var flags vk.PipelineStageFlagBits
	if s&gfx.PipelineStageTopOfPipe != 0 {
		flags |= vk.PipelineStageTopOfPipeBit
	}
	if s&gfx.PipelineStageTransfer != 0 {
		flags |= vk.PipelineStageTransferBit
	}
	if s&gfx.PipelineStageFragmentShader != 0 {
		flags |= vk.PipelineStageFragmentShaderBit
	}
	return vk.PipelineStageFlags(flags)
}

func level(l gfx.CommandBufferLevel) vk.CommandBufferLevel {
	if l == gfx.CommandBufferLevelSecondary {
		return vk.CommandBufferLevelSecondary
	}
	return vk.CommandBufferLevelPrimary
}

var colorLayers = vk.ImageSubresourceLayers{
	AspectMask: vk.ImageAspectFlags(vk.ImageAspectColorBit),
	LayerCount: 1,
}

var colorRange = vk.ImageSubresourceRange{
	AspectMask: vk.ImageAspectFlags(vk.ImageAspectColorBit),
	LevelCount: 1,
	LayerCount: 1,
}
