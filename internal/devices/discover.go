// Package devices implements Device Discovery (spec.md §4.A): pure
// enumeration of present camera and audio devices used by the Filesystem
// Watcher's auto_discover watch setup.
//
// Grounded on original_source/src/device_discovery.rs. Errors from any
// single probe are logged and skipped; enumeration as a whole never fails,
// matching the teacher's per-probe-degrades pattern in
// internal/watcher/inotify_linux.go's registerWatches.
package devices

import (
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

var videoDeviceName = regexp.MustCompile(`^video\d+$`)

// DiscoverVideoDevices returns sorted, de-duplicated paths under
// /dev/video<N> whose sysfs counterpart exists under
// /sys/class/video4linux/, plus symlinked aliases under /dev/v4l/by-id/.
func DiscoverVideoDevices(logger *slog.Logger) []string {
	var found []string

	entries, err := os.ReadDir("/dev")
	if err != nil {
		logger.Warn("devices: cannot read /dev", "error", err)
	} else {
		for _, e := range entries {
			if !videoDeviceName.MatchString(e.Name()) {
				continue
			}
			if _, err := os.Stat(filepath.Join("/sys/class/video4linux", e.Name())); err != nil {
				continue
			}
			found = append(found, filepath.Join("/dev", e.Name()))
		}
	}

	byID, err := os.ReadDir("/dev/v4l/by-id")
	if err == nil {
		for _, e := range byID {
			found = append(found, filepath.Join("/dev/v4l/by-id", e.Name()))
		}
	}

	return sortUnique(found)
}

var alsaPrefixes = []string{"pcm", "control", "hw", "seq", "timer"}

// DiscoverAudioDevices returns ALSA, PulseAudio, and JACK paths currently
// present on the host.
func DiscoverAudioDevices(logger *slog.Logger) []string {
	var found []string
	found = append(found, discoverALSADevices(logger)...)
	found = append(found, discoverPulseAudioDevices(logger)...)
	found = append(found, discoverJACKDevices(logger)...)
	return sortUnique(found)
}

// discoverALSADevices returns /dev/snd/* nodes matching the ALSA prefixes,
// plus the /dev/snd directory itself so newly-created nodes are caught by a
// directory-level watch.
func discoverALSADevices(logger *slog.Logger) []string {
	var found []string

	entries, err := os.ReadDir("/dev/snd")
	if err != nil {
		logger.Debug("devices: /dev/snd not accessible", "error", err)
		return found
	}
	found = append(found, "/dev/snd")

	for _, e := range entries {
		name := e.Name()
		for _, prefix := range alsaPrefixes {
			if strings.HasPrefix(name, prefix) {
				found = append(found, filepath.Join("/dev/snd", name))
				break
			}
		}
	}
	return found
}

// discoverPulseAudioDevices returns the fixed PulseAudio runtime paths that
// exist, plus any per-user runtime pulse directories under /run/user/*.
func discoverPulseAudioDevices(logger *slog.Logger) []string {
	var found []string

	for _, pattern := range []string{"/tmp/.pulse*", "/var/lib/pulse"} {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			logger.Debug("devices: pulseaudio glob failed", "pattern", pattern, "error", err)
			continue
		}
		found = append(found, matches...)
	}

	runUser, err := os.ReadDir("/run/user")
	if err == nil {
		for _, e := range runUser {
			candidate := filepath.Join("/run/user", e.Name(), "pulse")
			if _, err := os.Stat(candidate); err == nil {
				found = append(found, candidate)
			}
		}
	}

	return found
}

// discoverJACKDevices scans /dev/shm, /tmp/.jack, and /run/user/*/jack for
// JACK-related entries (anything whose name contains "jack").
func discoverJACKDevices(logger *slog.Logger) []string {
	var found []string

	for _, dir := range []string{"/dev/shm", "/tmp/.jack"} {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if strings.Contains(strings.ToLower(e.Name()), "jack") {
				found = append(found, filepath.Join(dir, e.Name()))
			}
		}
	}

	runUser, err := os.ReadDir("/run/user")
	if err == nil {
		for _, e := range runUser {
			candidate := filepath.Join("/run/user", e.Name(), "jack")
			if _, err := os.Stat(candidate); err == nil {
				found = append(found, candidate)
			}
		}
	}

	_ = logger
	return found
}

// RescanDevices returns the set difference current \ previous: devices
// present now that were not present in the prior snapshot. This helper is
// intentionally not wired to any ticker (spec.md §9 Open Question: "the
// rescan_devices helper exists but is not scheduled").
func RescanDevices(previous, current []string) []string {
	seen := make(map[string]bool, len(previous))
	for _, p := range previous {
		seen[p] = true
	}
	var fresh []string
	for _, c := range current {
		if !seen[c] {
			fresh = append(fresh, c)
		}
	}
	return fresh
}

func sortUnique(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}
