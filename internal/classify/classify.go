// Package classify implements the deterministic, first-match-wins mapping
// from raw filesystem-notification tuples to typed SecurityEvents.
package classify

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/soulvice/secmon/internal/monitor"
)

// Mask is the union of inotify-style event flags a single raw notification
// may carry. The bit values are this package's own, not the kernel IN_*
// values; internal/watcher translates kernel masks into them.
type Mask uint32

const (
	MaskAccess Mask = 1 << iota
	MaskModify
	MaskCreate
	MaskDelete
	MaskOpen
)

// String renders the set bits as a "|"-joined list of flag names, the
// form preserved into metadata["mask"].
func (m Mask) String() string {
	var names []string
	for bit, name := range map[Mask]string{
		MaskAccess: "ACCESS",
		MaskModify: "MODIFY",
		MaskCreate: "CREATE",
		MaskDelete: "DELETE",
		MaskOpen:   "OPEN",
	} {
		if m&bit != 0 {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return ""
	}
	// Stable order regardless of map iteration.
	ordered := make([]string, 0, len(names))
	for _, n := range []string{"ACCESS", "MODIFY", "CREATE", "DELETE", "OPEN"} {
		for _, got := range names {
			if got == n {
				ordered = append(ordered, n)
			}
		}
	}
	return strings.Join(ordered, "|")
}

// Classify maps (basePath, fullPath, mask) to an (EventType, Severity,
// description) triple following the first-match-wins rule table in
// spec.md §4.E, transcribed from original_source/src/main.rs's
// classify_event. Checks are case-insensitive substring matches. The
// watcher's optional filename fragment is not an input here; the caller
// preserves it into metadata["filename"] via BuildMetadata.
func Classify(basePath, fullPath string, mask Mask) (monitor.EventType, monitor.Severity, string) {
	base := strings.ToLower(basePath)
	full := strings.ToLower(fullPath)

	switch {
	case strings.Contains(base, "video") || strings.Contains(base, "camera") || strings.Contains(full, "/dev/video"):
		return monitor.CameraAccess, monitor.High, fmt.Sprintf("camera device accessed: %s", fullPath)

	case strings.Contains(base, "snd") || strings.Contains(full, "/dev/snd/") ||
		strings.Contains(full, "pcm") || strings.Contains(full, "audio") ||
		strings.Contains(full, "alsa") || strings.Contains(full, "pulse"):
		return monitor.MicrophoneAccess, monitor.High, fmt.Sprintf("microphone/audio device accessed: %s", fullPath)

	case strings.Contains(full, "authorized_keys") || strings.Contains(full, "id_rsa"):
		return monitor.SshAccess, monitor.Critical, fmt.Sprintf("SSH credential file accessed: %s", fullPath)

	case strings.Contains(base, "ssh") || strings.Contains(full, ".ssh"):
		return monitor.SshAccess, monitor.High, fmt.Sprintf("SSH-related path accessed: %s", fullPath)

	case mask&MaskCreate != 0:
		return monitor.FileCreate, monitor.Medium, fmt.Sprintf("file created: %s", fullPath)

	case mask&MaskDelete != 0:
		return monitor.FileDelete, monitor.Medium, fmt.Sprintf("file deleted: %s", fullPath)

	case mask&MaskModify != 0:
		return monitor.FileModify, monitor.Low, fmt.Sprintf("file modified: %s", fullPath)

	case mask&(MaskAccess|MaskOpen) != 0:
		return monitor.FileAccess, monitor.Low, fmt.Sprintf("file accessed: %s", fullPath)

	default:
		return monitor.FileAccess, monitor.Low, fmt.Sprintf("file accessed: %s", fullPath)
	}
}

// BuildMetadata assembles the metadata map every classified event carries:
// the originating mask and, when present, the filename fragment.
func BuildMetadata(mask Mask, name string) map[string]string {
	md := map[string]string{"mask": mask.String()}
	if name != "" {
		md["filename"] = filepath.Base(name)
	}
	return md
}
