package credentials

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"time"

	"golang.org/x/term"
)

// DeviceSignals are the environment properties mixed into a device fingerprint.
type DeviceSignals struct {
	UserAgent    string
	Language     string
	ScreenWidth  int
	ScreenHeight int
	Timezone     string
}

// CurrentDeviceSignals collects signals from the running host. The terminal
// size stands in for screen geometry and is zero when stdout is not a terminal.
func CurrentDeviceSignals(version string) DeviceSignals {
	signals := DeviceSignals{
		UserAgent: fmt.Sprintf("ltsession/%s (%s; %s)", version, runtime.GOOS, runtime.GOARCH),
		Language:  os.Getenv("LANG"),
		Timezone:  time.Local.String(),
	}
	if fd := int(os.Stdout.Fd()); term.IsTerminal(fd) {
		if w, h, err := term.GetSize(fd); err == nil {
			signals.ScreenWidth, signals.ScreenHeight = w, h
		}
	}
	return signals
}

// DeviceFingerprint derives a stable, low-entropy identifier from signals with
// a 32-bit rolling hash. It is a soft signal for server-side anomaly
// detection, not a security boundary.
func DeviceFingerprint(signals DeviceSignals) string {
	components := signals.UserAgent + "|" +
		signals.Language + "|" +
		strconv.Itoa(signals.ScreenWidth) + "x" + strconv.Itoa(signals.ScreenHeight) + "|" +
		signals.Timezone

	var hash int32
	for _, r := range components {
		hash = (hash << 5) - hash + int32(r)
	}
	return strconv.FormatInt(int64(hash), 36)
}

// ValidateDeviceFingerprint always reports true. Comparing fingerprints
// requires a server-side record this client does not have, so no auth
// decision in this module calls it.
//
// TODO: compare against the fingerprint the backend recorded at login once
// the session endpoint returns it.
func ValidateDeviceFingerprint(string) bool {
	return true
}
