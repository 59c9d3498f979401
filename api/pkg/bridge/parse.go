package bridge

import (
	"fmt"
	"strings"

	"github.com/emufleet/emufleet/api/pkg/types"
)

// parseDevices turns `adb devices` output into serial -> status.
func parseDevices(output string) map[string]string {
	devices := make(map[string]string)
	lines := strings.Split(strings.TrimSpace(output), "\n")
	for i, line := range lines {
		if i == 0 && strings.HasPrefix(line, "List of devices") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		devices[fields[0]] = fields[1]
	}
	return devices
}

// statusFor finds the device for a loopback forward port and maps its raw
// state onto the status taxonomy. Emulator consoles sometimes register under
// an emulator-N serial rather than localhost:<port>, so both spellings count.
func statusFor(devices map[string]string, devicePort int) types.DeviceStatus {
	serial := fmt.Sprintf("localhost:%d", devicePort)
	raw, ok := devices[serial]
	if !ok {
		for s, state := range devices {
			if strings.HasPrefix(s, "emulator-") {
				raw = state
				ok = true
				break
			}
		}
	}
	if !ok {
		return types.DeviceStatusAbsent
	}
	switch raw {
	case "device":
		return types.DeviceStatusDevice
	case "offline":
		return types.DeviceStatusOffline
	case "unauthorized":
		return types.DeviceStatusUnauthorized
	default:
		return types.DeviceStatusAbsent
	}
}
