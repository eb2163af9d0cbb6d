// Package sysinfo collects a host snapshot recorded alongside each run.
package sysinfo

import (
	"context"
	"runtime"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/sirupsen/logrus"
)

// Info describes the machine a run executed on.
type Info struct {
	Hostname           string  `json:"hostname"`
	OS                 string  `json:"os"`
	Platform           string  `json:"platform"`
	PlatformVersion    string  `json:"platform_version"`
	KernelVersion      string  `json:"kernel_version"`
	Arch               string  `json:"arch"`
	Virtualization     string  `json:"virtualization,omitempty"`
	VirtualizationRole string  `json:"virtualization_role,omitempty"`
	CPUVendor          string  `json:"cpu_vendor,omitempty"`
	CPUModel           string  `json:"cpu_model,omitempty"`
	CPUCores           int     `json:"cpu_cores"`
	CPUMhz             float64 `json:"cpu_mhz,omitempty"`
	MemoryTotalGB      float64 `json:"memory_total_gb"`
}

// Collect gathers host information. Individual probes that fail are left
// empty rather than failing the snapshot.
func Collect(ctx context.Context, log logrus.FieldLogger) *Info {
	log = log.WithField("component", "sysinfo")

	info := &Info{
		OS:       runtime.GOOS,
		Arch:     runtime.GOARCH,
		CPUCores: runtime.NumCPU(),
	}

	if h, err := host.InfoWithContext(ctx); err != nil {
		log.WithError(err).Debug("Failed to read host info")
	} else {
		info.Hostname = h.Hostname
		info.Platform = h.Platform
		info.PlatformVersion = h.PlatformVersion
		info.KernelVersion = h.KernelVersion
		info.Virtualization = h.VirtualizationSystem
		info.VirtualizationRole = h.VirtualizationRole

		if h.KernelArch != "" {
			info.Arch = h.KernelArch
		}
	}

	if cpus, err := cpu.InfoWithContext(ctx); err != nil {
		log.WithError(err).Debug("Failed to read cpu info")
	} else if len(cpus) > 0 {
		info.CPUVendor = cpus[0].VendorID
		info.CPUModel = cpus[0].ModelName
		info.CPUMhz = cpus[0].Mhz
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err != nil {
		log.WithError(err).Debug("Failed to read memory info")
	} else {
		info.MemoryTotalGB = float64(vm.Total) / (1024 * 1024 * 1024)
	}

	return info
}

// Fields returns the snapshot as log fields.
func (i *Info) Fields() logrus.Fields {
	return logrus.Fields{
		"hostname":  i.Hostname,
		"platform":  i.Platform,
		"kernel":    i.KernelVersion,
		"arch":      i.Arch,
		"cpu":       i.CPUModel,
		"cores":     i.CPUCores,
		"memory_gb": i.MemoryTotalGB,
	}
}
