// Package gpu introspects the host GPU through nvidia-smi.
package gpu

import (
	"fmt"
	"log/slog"
	"math"
	"os/exec"
	"strconv"
	"strings"

	"github.com/podpilot/podpilot/internal/protocol"
)

// Detect returns the host's GPU information. Hosts without a working
// nvidia-smi get a placeholder record so registration still succeeds.
func Detect() protocol.GPUInfo {
	info, err := detectNvidia()
	if err != nil {
		slog.Warn("gpu detection failed, using placeholder", "error", err)
		return protocol.GPUInfo{
			Name:        "Unknown GPU",
			MemoryGB:    0,
			CUDAVersion: "unknown",
		}
	}
	slog.Debug("detected gpu", "name", info.Name, "memory_gb", info.MemoryGB, "cuda", info.CUDAVersion)
	return info
}

func detectNvidia() (protocol.GPUInfo, error) {
	var info protocol.GPUInfo

	nameOut, err := exec.Command("nvidia-smi", "--query-gpu=name", "--format=csv,noheader").Output()
	if err != nil {
		return info, fmt.Errorf("query gpu name: %w", err)
	}
	info.Name = firstLine(string(nameOut))
	if info.Name == "" {
		info.Name = "Unknown NVIDIA GPU"
	}

	memOut, err := exec.Command("nvidia-smi", "--query-gpu=memory.total", "--format=csv,noheader,nounits").Output()
	if err != nil {
		return info, fmt.Errorf("query gpu memory: %w", err)
	}
	memMB, _ := strconv.ParseFloat(firstLine(string(memOut)), 64)
	info.MemoryGB = mbToGB(memMB)

	// The maximum supported CUDA version only appears in the banner.
	banner, err := exec.Command("nvidia-smi").Output()
	if err != nil {
		return info, fmt.Errorf("query cuda version: %w", err)
	}
	info.CUDAVersion = parseCUDAVersion(string(banner))

	// Compute capability is optional; older drivers don't report it.
	capOut, err := exec.Command("nvidia-smi", "--query-gpu=compute_cap", "--format=csv,noheader").Output()
	if err == nil {
		info.ComputeCapability = firstLine(string(capOut))
	}

	return info, nil
}

// mbToGB converts mebibytes to gibibytes rounded to two decimals.
func mbToGB(mb float64) float64 {
	return math.Round(mb/1024*100) / 100
}

// parseCUDAVersion extracts the CUDA version from the nvidia-smi
// banner, e.g. "... Driver Version: 550.54  CUDA Version: 12.4  |".
func parseCUDAVersion(banner string) string {
	for _, line := range strings.Split(banner, "\n") {
		_, rest, ok := strings.Cut(line, "CUDA Version:")
		if !ok {
			continue
		}
		fields := strings.Fields(rest)
		if len(fields) > 0 && fields[0] != "|" {
			return fields[0]
		}
	}
	return "unknown"
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(line)
}
