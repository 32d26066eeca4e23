package security

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"os"
	"os/exec"
	"runtime"
	"sort"
	"strings"
)

// HardwareFingerprint returns the HWID a client presents when validating.
// LICENSE_HWID overrides detection, which containers need because their
// interfaces and machine-id change between restarts.
func HardwareFingerprint() string {
	if hwid := strings.TrimSpace(os.Getenv("LICENSE_HWID")); hwid != "" {
		return hwid
	}
	return fingerprint(collectComponents())
}

func collectComponents() []string {
	var components []string
	components = append(components, getMACAddresses()...)

	for _, probe := range []func() string{getCPUID, getMachineID, getDiskSerial} {
		if v := probe(); v != "" {
			components = append(components, v)
		}
	}
	return components
}

// fingerprint hashes the components in a stable order. The result is always
// 32 hex characters.
func fingerprint(components []string) string {
	sorted := append([]string(nil), components...)
	sort.Strings(sorted)

	hash := sha256.Sum256([]byte(strings.Join(sorted, "|")))
	return hex.EncodeToString(hash[:16])
}

func getMACAddresses() []string {
	var macs []string
	interfaces, err := net.Interfaces()
	if err != nil {
		return macs
	}

	for _, iface := range interfaces {
		if iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		// Skip virtual interfaces
		if strings.HasPrefix(iface.Name, "docker") ||
			strings.HasPrefix(iface.Name, "veth") ||
			strings.HasPrefix(iface.Name, "br-") {
			continue
		}

		if mac := iface.HardwareAddr.String(); mac != "" {
			macs = append(macs, mac)
		}
	}
	return macs
}

func getCPUID() string {
	if runtime.GOOS != "linux" {
		return ""
	}

	data, err := os.ReadFile("/proc/cpuinfo")
	if err != nil {
		return ""
	}

	for _, line := range strings.Split(string(data), "\n") {
		if strings.HasPrefix(line, "Serial") || strings.HasPrefix(line, "model name") {
			if parts := strings.SplitN(line, ":", 2); len(parts) == 2 {
				return strings.TrimSpace(parts[1])
			}
		}
	}
	return ""
}

func getMachineID() string {
	for _, path := range []string{"/etc/machine-id", "/var/lib/dbus/machine-id"} {
		if data, err := os.ReadFile(path); err == nil {
			return strings.TrimSpace(string(data))
		}
	}
	return ""
}

func getDiskSerial() string {
	if runtime.GOOS != "linux" {
		return ""
	}

	output, err := exec.Command("lsblk", "-o", "SERIAL", "-n", "-d").Output()
	if err != nil {
		return ""
	}

	for _, line := range strings.Split(strings.TrimSpace(string(output)), "\n") {
		if serial := strings.TrimSpace(line); serial != "" {
			return serial
		}
	}
	return ""
}
