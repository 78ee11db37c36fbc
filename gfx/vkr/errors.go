// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package vkr

import (
	vk "github.com/devblok/vulkan"

	"github.com/devblok/koru/v2/gfx"
)

// check turns a vulkan result into an error classified with the gfx
// sentinels. op names the failing call, e.g. "vk.QueueSubmit()".
func check(op string, res vk.Result) error {
	var err error
	switch res {
	case vk.Success:
		return nil
	case vk.Timeout:
		err = gfx.ErrTimeout
	case vk.ErrorDeviceLost:
		err = gfx.ErrDeviceLost
	case vk.ErrorOutOfHostMemory:
		err = gfx.ErrOutOfHostMemory
	case vk.ErrorOutOfDeviceMemory:
		err = gfx.ErrOutOfDeviceMemory
	case vk.ErrorFeatureNotPresent, vk.ErrorFormatNotSupported:
		err = gfx.ErrUnsupported
	default:
		err = vk.Error(res)
	}
	return &gfx.DeviceError{Op: op, Err: err}
}
