// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package detect finds the accelerator on the host and decides which
// registry models fit in its memory.
//
// Detection shells out to vendor tools in order: nvidia-smi, rocm-smi,
// sysctl (macOS). With no GPU the budget is half of system RAM.
package detect

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"
)

// detectTimeout bounds one detection pass when ctx has no deadline.
const detectTimeout = 5 * time.Second

// =============================================================================
// GPU TYPE
// =============================================================================

// GpuType is the accelerator family.
type GpuType int

const (
	GpuTypeCPU GpuType = iota
	GpuTypeNvidia
	GpuTypeAmd
	GpuTypeAppleSilicon
)

// String returns the display name of the type.
func (t GpuType) String() string {
	switch t {
	case GpuTypeNvidia:
		return "NVIDIA"
	case GpuTypeAmd:
		return "AMD"
	case GpuTypeAppleSilicon:
		return "Apple Silicon"
	case GpuTypeCPU:
		return "CPU"
	default:
		return "Unknown"
	}
}

// MarshalText encodes the type by name.
func (t GpuType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// GpuInfo describes the detected accelerator.
type GpuInfo struct {
	Name string `json:"name"`
	// VramGB is the memory budget for model weights. For CPU-only hosts it
	// is half of system RAM.
	VramGB uint32  `json:"vram_gb"`
	Driver string  `json:"driver,omitempty"`
	Type   GpuType `json:"type"`
}

// String formats the info for display.
func (g *GpuInfo) String() string {
	s := fmt.Sprintf("%s (%dGB VRAM)", g.Name, g.VramGB)
	if g.Driver != "" {
		s += fmt.Sprintf(" [Driver: %s]", g.Driver)
	}
	return s
}

// =============================================================================
// DETECTOR
// =============================================================================

// runFunc executes a command and returns its stdout.
type runFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

// Detector probes the host. The zero value is not usable; use New.
type Detector struct {
	run      runFunc
	readFile func(string) ([]byte, error)
	goos     string
}

// New returns a detector that runs real commands.
func New() *Detector {
	return &Detector{
		run: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			return exec.CommandContext(ctx, name, args...).Output()
		},
		readFile: os.ReadFile,
		goos:     runtime.GOOS,
	}
}

// Detect returns the first accelerator found, or CPU info. It never
// returns nil.
func (d *Detector) Detect(ctx context.Context) *GpuInfo {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, detectTimeout)
		defer cancel()
	}

	if info := d.nvidia(ctx); info != nil {
		return info
	}
	if info := d.amd(ctx); info != nil {
		return info
	}
	if info := d.apple(ctx); info != nil {
		return info
	}
	return d.cpu(ctx)
}

func (d *Detector) nvidia(ctx context.Context) *GpuInfo {
	out, err := d.run(ctx, "nvidia-smi",
		"--query-gpu=name,memory.total,driver_version",
		"--format=csv,noheader,nounits")
	if err != nil {
		return nil
	}
	return parseNvidiaSmi(string(out))
}

// parseNvidiaSmi reads the first GPU line of
// "name, memory.total(MiB), driver_version".
func parseNvidiaSmi(out string) *GpuInfo {
	line := strings.TrimSpace(strings.SplitN(strings.TrimSpace(out), "\n", 2)[0])
	parts := strings.Split(line, ",")
	if len(parts) < 3 {
		return nil
	}
	mib, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return nil
	}
	return &GpuInfo{
		Name:   "NVIDIA " + strings.TrimSpace(parts[0]),
		VramGB: uint32(mib/1024.0 + 0.5),
		Driver: strings.TrimSpace(parts[2]),
		Type:   GpuTypeNvidia,
	}
}

func (d *Detector) amd(ctx context.Context) *GpuInfo {
	if d.goos != "linux" {
		return nil
	}
	out, err := d.run(ctx, "rocm-smi", "--showmeminfo", "vram", "--csv")
	if err != nil {
		return nil
	}
	info := parseRocmSmi(string(out))
	if info == nil {
		return nil
	}
	if name, err := d.run(ctx, "rocm-smi", "--showproductname", "--csv"); err == nil {
		if n := parseRocmProduct(string(name)); n != "" {
			info.Name = "AMD " + n
		}
	}
	return info
}

// parseRocmSmi reads the first device row of the vram CSV, whose second
// column is the total in bytes.
func parseRocmSmi(out string) *GpuInfo {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	for _, line := range lines[min(1, len(lines)):] {
		parts := strings.Split(strings.TrimSpace(line), ",")
		if len(parts) < 2 || !strings.HasPrefix(parts[0], "card") {
			continue
		}
		b, err := strconv.ParseUint(strings.TrimSpace(parts[1]), 10, 64)
		if err != nil || b == 0 {
			continue
		}
		return &GpuInfo{
			Name:   "AMD GPU",
			VramGB: uint32((b + 1<<29) >> 30),
			Type:   GpuTypeAmd,
		}
	}
	return nil
}

// parseRocmProduct returns the card series from --showproductname --csv.
func parseRocmProduct(out string) string {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) < 2 {
		return ""
	}
	header := strings.Split(lines[0], ",")
	row := strings.Split(lines[1], ",")
	for i, h := range header {
		if strings.EqualFold(strings.TrimSpace(h), "Card series") && i < len(row) {
			return strings.TrimSpace(row[i])
		}
	}
	return ""
}

var appleChips = []string{
	"M4 Ultra", "M4 Max", "M4 Pro", "M4",
	"M3 Ultra", "M3 Max", "M3 Pro", "M3",
	"M2 Ultra", "M2 Max", "M2 Pro", "M2",
	"M1 Ultra", "M1 Max", "M1 Pro", "M1",
}

func (d *Detector) apple(ctx context.Context) *GpuInfo {
	if d.goos != "darwin" {
		return nil
	}
	out, err := d.run(ctx, "sysctl", "-n", "machdep.cpu.brand_string")
	if err != nil || !strings.Contains(string(out), "Apple") {
		return nil
	}
	name := "Apple Silicon"
	for _, chip := range appleChips {
		if strings.Contains(string(out), chip) {
			name = "Apple " + chip
			break
		}
	}
	// Unified memory is shared with the GPU.
	vram := uint32(8)
	if b, ok := d.sysctlMemsize(ctx); ok {
		vram = uint32(b >> 30)
	}
	return &GpuInfo{Name: name, VramGB: vram, Type: GpuTypeAppleSilicon}
}

func (d *Detector) sysctlMemsize(ctx context.Context) (uint64, bool) {
	out, err := d.run(ctx, "sysctl", "-n", "hw.memsize")
	if err != nil {
		return 0, false
	}
	b, err := strconv.ParseUint(strings.TrimSpace(string(out)), 10, 64)
	return b, err == nil
}

func (d *Detector) cpu(ctx context.Context) *GpuInfo {
	var gb uint32
	switch d.goos {
	case "linux":
		if data, err := d.readFile("/proc/meminfo"); err == nil {
			gb = uint32(parseMemTotalKB(string(data)) >> 20 / 2)
		}
	case "darwin":
		if b, ok := d.sysctlMemsize(ctx); ok {
			gb = uint32(b >> 30 / 2)
		}
	}
	if gb == 0 {
		gb = 4
	}
	return &GpuInfo{Name: "CPU Only", VramGB: gb, Type: GpuTypeCPU}
}

// parseMemTotalKB returns the MemTotal line of /proc/meminfo in kB.
func parseMemTotalKB(meminfo string) uint64 {
	for _, line := range strings.Split(meminfo, "\n") {
		if !strings.HasPrefix(line, "MemTotal:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return 0
		}
		kb, _ := strconv.ParseUint(fields[1], 10, 64)
		return kb
	}
	return 0
}

// =============================================================================
// CACHE
// =============================================================================

var (
	cacheMu   sync.Mutex
	cached    *GpuInfo
	cachedAt  time.Time
	cacheTTL  = 5 * time.Minute
	defaultDt = New()
)

// DetectCached runs detection at most once per five minutes.
func DetectCached(ctx context.Context) *GpuInfo {
	cacheMu.Lock()
	defer cacheMu.Unlock()
	if cached != nil && time.Since(cachedAt) < cacheTTL {
		return cached
	}
	cached = defaultDt.Detect(ctx)
	cachedAt = time.Now()
	return cached
}
