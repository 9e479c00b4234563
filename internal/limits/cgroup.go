package limits

import (
	"os"
	"strconv"
	"strings"
)

const (
	cgroupV2MemoryPath = "/sys/fs/cgroup/memory.max"
	cgroupV1MemoryPath = "/sys/fs/cgroup/memory/memory.limit_in_bytes"
)

// MemoryLimit returns the container memory limit in bytes, or 0 when no
// limit is configured (bare metal, unconstrained container).
func MemoryLimit() int64 {
	return memoryLimitFrom(cgroupV2MemoryPath, cgroupV1MemoryPath)
}

// memoryLimitFrom tries cgroup v2 first, then falls back to v1. The v2 file
// holds a byte count or the literal "max".
func memoryLimitFrom(v2Path, v1Path string) int64 {
	if data, err := os.ReadFile(v2Path); err == nil {
		raw := strings.TrimSpace(string(data))
		if raw != "max" {
			if limit, err := strconv.ParseInt(raw, 10, 64); err == nil {
				return limit
			}
		}
	}
	if data, err := os.ReadFile(v1Path); err == nil {
		raw := strings.TrimSpace(string(data))
		if limit, err := strconv.ParseInt(raw, 10, 64); err == nil {
			// v1 reports a huge number instead of "max" on unlimited
			// cgroups; treat anything above 1 PiB as no limit.
			if limit >= 1<<50 {
				return 0
			}
			return limit
		}
	}
	return 0
}
