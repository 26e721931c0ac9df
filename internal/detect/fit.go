// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package detect

import (
	"github.com/jeranaias/modelmux/internal/registry"
)

const (
	// runtimeOverheadGB covers the KV cache and runtime context.
	runtimeOverheadGB = 1.5
	// safetyFactor leaves room for other processes on the device.
	safetyFactor = 1.2
)

// RequiredGB estimates the memory a model needs once loaded.
func RequiredGB(m registry.ModelDescriptor) float64 {
	return (m.SizeGB + runtimeOverheadGB) * safetyFactor
}

// Fits reports whether m is expected to load into info's memory budget.
func Fits(m registry.ModelDescriptor, info *GpuInfo) bool {
	if info == nil {
		return true
	}
	return RequiredGB(m) <= float64(info.VramGB)
}

// FilterFits keeps the models that fit, preserving order.
func FilterFits(models []registry.ModelDescriptor, info *GpuInfo) []registry.ModelDescriptor {
	out := make([]registry.ModelDescriptor, 0, len(models))
	for _, m := range models {
		if Fits(m, info) {
			out = append(out, m)
		}
	}
	return out
}
