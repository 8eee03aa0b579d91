// Package sysinfo reports host telemetry for edge boards: board detection,
// memory, load, CPU temperature and process RSS. Sources that do not exist
// on the host are reported as unavailable.
package sysinfo

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
)

// Info is one telemetry snapshot. Negative numeric fields mean the source
// was unavailable.
type Info struct {
	RaspberryPi bool   `json:"raspberry_pi"`
	Board       string `json:"board,omitempty"`
	CPUCores    int    `json:"cpu_cores"`

	MemTotalMB int64 `json:"mem_total_mb"`
	MemFreeMB  int64 `json:"mem_free_mb"`
	MemUsedMB  int64 `json:"mem_used_mb"`

	IPv4 string `json:"ipv4,omitempty"`

	Load    [3]float64 `json:"load"`
	HasLoad bool       `json:"has_load"`

	CPUTempC float64 `json:"cpu_temp_c"`

	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
	RSSBytes  int64  `json:"rss_bytes"`
}

// Collect reads telemetry from the running host.
func Collect() Info {
	info := CollectFrom("/")
	info.IPv4 = firstIPv4()
	return info
}

// CollectFrom reads telemetry from the proc and sys trees under root,
// without touching network interfaces.
func CollectFrom(root string) Info {
	info := Info{
		CPUCores:   runtime.NumCPU(),
		GoVersion:  runtime.Version(),
		Platform:   runtime.GOOS + "/" + runtime.GOARCH,
		MemTotalMB: -1,
		MemFreeMB:  -1,
		MemUsedMB:  -1,
		CPUTempC:   -1,
		RSSBytes:   -1,
	}

	if data, err := os.ReadFile(filepath.Join(root, "proc/cpuinfo")); err == nil {
		info.RaspberryPi, info.Board = detectBoard(string(data))
	}
	if data, err := os.ReadFile(filepath.Join(root, "proc/meminfo")); err == nil {
		total, free := parseMeminfo(string(data))
		if total >= 0 {
			info.MemTotalMB = total / 1024
		}
		if free >= 0 {
			info.MemFreeMB = free / 1024
		}
		if total >= 0 && free >= 0 {
			info.MemUsedMB = (total - free) / 1024
		}
	}
	if data, err := os.ReadFile(filepath.Join(root, "proc/loadavg")); err == nil {
		info.Load, info.HasLoad = parseLoadavg(string(data))
	}
	if data, err := os.ReadFile(filepath.Join(root, "sys/class/thermal/thermal_zone0/temp")); err == nil {
		if milli, err := strconv.ParseFloat(strings.TrimSpace(string(data)), 64); err == nil {
			info.CPUTempC = milli / 1000
		}
	}
	info.RSSBytes = readRSS(filepath.Join(root, "proc/self/status"))
	return info
}

// ProcessRSS returns the resident set size of this process in bytes, or 0
// when /proc is not available.
func ProcessRSS() int64 {
	if rss := readRSS("/proc/self/status"); rss > 0 {
		return rss
	}
	return 0
}

// String renders the snapshot one field per line.
func (i Info) String() string {
	var b strings.Builder

	system := "Generic " + runtime.GOOS
	if i.RaspberryPi {
		system = "Raspberry Pi"
	}
	if i.Board != "" {
		system += " (" + i.Board + ")"
	}
	fmt.Fprintf(&b, "System: %s\n", system)
	fmt.Fprintf(&b, "CPU cores: %d\n", i.CPUCores)

	if i.MemTotalMB >= 0 {
		fmt.Fprintf(&b, "RAM: total %d MB, free %d MB, used %d MB\n", i.MemTotalMB, i.MemFreeMB, i.MemUsedMB)
	} else {
		b.WriteString("RAM: unavailable\n")
	}

	fmt.Fprintf(&b, "IP address: %s\n", orUnavailable(i.IPv4))

	if i.HasLoad {
		fmt.Fprintf(&b, "Load average: %.2f %.2f %.2f\n", i.Load[0], i.Load[1], i.Load[2])
	} else {
		b.WriteString("Load average: unavailable\n")
	}

	if i.CPUTempC >= 0 {
		fmt.Fprintf(&b, "CPU temperature: %.1f°C\n", i.CPUTempC)
	} else {
		b.WriteString("CPU temperature: unavailable\n")
	}

	fmt.Fprintf(&b, "Go runtime: %s %s\n", i.GoVersion, i.Platform)
	if i.RSSBytes >= 0 {
		fmt.Fprintf(&b, "Process RSS: %.1f MB\n", float64(i.RSSBytes)/(1024*1024))
	} else {
		b.WriteString("Process RSS: unavailable\n")
	}
	return b.String()
}

func orUnavailable(s string) string {
	if s == "" {
		return "unavailable"
	}
	return s
}

// detectBoard looks for the Broadcom SoC markers the Raspberry Pi kernel
// writes to /proc/cpuinfo.
func detectBoard(cpuinfo string) (pi bool, board string) {
	var hardware, model string
	for _, line := range strings.Split(cpuinfo, "\n") {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.TrimSpace(key) {
		case "Hardware":
			hardware = value
		case "Model":
			model = value
		case "Revision":
			if hardware == "" && value != "" {
				hardware = "rev " + value
			}
		}
	}
	pi = strings.Contains(hardware, "BCM") || strings.Contains(model, "Raspberry Pi")
	switch {
	case model != "":
		board = model
	case hardware != "":
		board = hardware
	}
	return pi, board
}

// parseMeminfo returns MemTotal and MemAvailable (MemFree on old kernels)
// in kB, -1 when missing.
func parseMeminfo(meminfo string) (total, free int64) {
	total, free = -1, -1
	var memFree int64 = -1
	for _, line := range strings.Split(meminfo, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		kb, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			total = kb
		case "MemAvailable:":
			free = kb
		case "MemFree:":
			memFree = kb
		}
	}
	if free < 0 {
		free = memFree
	}
	return total, free
}

func parseLoadavg(loadavg string) ([3]float64, bool) {
	var load [3]float64
	fields := strings.Fields(loadavg)
	if len(fields) < 3 {
		return load, false
	}
	for i := 0; i < 3; i++ {
		v, err := strconv.ParseFloat(fields[i], 64)
		if err != nil {
			return load, false
		}
		load[i] = v
	}
	return load, true
}

// readRSS parses the VmRSS line ("VmRSS:    12345 kB") of a status file.
func readRSS(path string) int64 {
	data, err := os.ReadFile(path)
	if err != nil {
		return -1
	}
	for _, line := range strings.Split(string(data), "\n") {
		if strings.HasPrefix(line, "VmRSS:") {
			fields := strings.Fields(line)
			if len(fields) >= 2 {
				if kb, err := strconv.ParseInt(fields[1], 10, 64); err == nil {
					return kb * 1024
				}
			}
		}
	}
	return -1
}

func firstIPv4() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ""
	}
	for _, addr := range addrs {
		ipnet, ok := addr.(*net.IPNet)
		if !ok || ipnet.IP.IsLoopback() {
			continue
		}
		if ip4 := ipnet.IP.To4(); ip4 != nil {
			return ip4.String()
		}
	}
	return ""
}
