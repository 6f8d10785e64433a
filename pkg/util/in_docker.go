package util

import (
	"os"
	"strings"
)

var (
	dockerEnvFile = "/.dockerenv"
	cgroupFile    = "/proc/1/cgroup"
)

// IsRunningInDocker reports whether the process runs inside a container. The
// database path defaults differ between the two.
func IsRunningInDocker() bool {
	if _, err := os.Stat(dockerEnvFile); err == nil {
		return true
	}

	data, err := os.ReadFile(cgroupFile)
	if err != nil {
		return false
	}
	s := string(data)
	return strings.Contains(s, "docker") || strings.Contains(s, "containerd")
}
