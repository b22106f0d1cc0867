package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/0xA1M/dashpro/internal/models"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	psnet "github.com/shirou/gopsutil/v3/net"
)

// SystemProvider reads host metrics through gopsutil
type SystemProvider struct {
	// CPUSample is how long CPU usage is measured over.
	CPUSample time.Duration
}

// NewSystemProvider creates a provider sampling CPU over one second
func NewSystemProvider() *SystemProvider {
	return &SystemProvider{CPUSample: time.Second}
}

// Snapshot collects every field it can; probe failures are joined into the error.
func (p *SystemProvider) Snapshot(ctx context.Context) (models.Metrics, error) {
	var (
		m    models.Metrics
		errs []error
	)

	if info, err := host.InfoWithContext(ctx); err != nil {
		errs = append(errs, fmt.Errorf("host info: %w", err))
		if name, herr := os.Hostname(); herr == nil {
			m.Hostname = ptr(name)
		}
	} else {
		m.Hostname = ptr(info.Hostname)
		m.OS = ptr(strings.TrimSpace(capitalize(info.OS) + " " + info.KernelVersion))
		m.OSVersion = ptr(strings.TrimSpace(info.Platform + " " + info.PlatformVersion))
		arch := info.KernelArch
		if arch == "" {
			arch = runtime.GOARCH
		}
		m.Architecture = ptr(arch)
		m.Uptime = ptr(FormatUptime(info.Uptime))
	}

	user := "Unknown"
	if users, err := host.UsersWithContext(ctx); err == nil && len(users) > 0 {
		user = users[0].User
	}
	m.User = ptr(user)

	if ip, mac, err := primaryInterface(ctx); err != nil {
		errs = append(errs, fmt.Errorf("network: %w", err))
	} else {
		m.IP = ptr(ip)
		if mac != "" {
			m.MAC = ptr(mac)
		}
	}

	if pct, err := cpu.PercentWithContext(ctx, p.CPUSample, false); err != nil || len(pct) == 0 {
		errs = append(errs, fmt.Errorf("cpu percent: %w", err))
	} else {
		m.CPUUsagePercent = ptr(round2(pct[0]))
	}
	if cores, err := cpu.CountsWithContext(ctx, false); err != nil {
		errs = append(errs, fmt.Errorf("cpu cores: %w", err))
	} else {
		m.CPUCores = ptr(cores)
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err != nil {
		errs = append(errs, fmt.Errorf("memory: %w", err))
	} else {
		m.TotalMemoryGB = ptr(bytesToGB(vm.Total))
		m.UsedMemoryGB = ptr(bytesToGB(vm.Used))
		m.MemoryUsagePercent = ptr(round2(vm.UsedPercent))
	}

	return m, errors.Join(errs...)
}

// primaryInterface returns the first IPv4 address of an up, non-loopback
// interface together with that interface's MAC.
func primaryInterface(ctx context.Context) (string, string, error) {
	ifaces, err := psnet.InterfacesWithContext(ctx)
	if err != nil {
		return "", "", err
	}

	for _, iface := range ifaces {
		if !hasFlag(iface.Flags, "up") || hasFlag(iface.Flags, "loopback") {
			continue
		}
		for _, addr := range iface.Addrs {
			ip, _, err := net.ParseCIDR(addr.Addr)
			if err != nil {
				ip = net.ParseIP(addr.Addr)
			}
			if ip == nil || ip.IsLoopback() || ip.To4() == nil {
				continue
			}
			return ip.String(), iface.HardwareAddr, nil
		}
	}
	return "", "", errors.New("no non-loopback IPv4 interface")
}

func hasFlag(flags []string, want string) bool {
	for _, f := range flags {
		if strings.EqualFold(f, want) {
			return true
		}
	}
	return false
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
