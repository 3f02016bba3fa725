// Package monitor defines the SecurityEvent data model shared by every
// producer, the classifier, the fan-out bus, and the trigger engine.
package monitor

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType is the tagged variant of a SecurityEvent. It serializes as an
// internally-tagged JSON object: {"type":"CameraAccess"}.
type EventType string

const (
	FileAccess       EventType = "FileAccess"
	FileModify       EventType = "FileModify"
	FileCreate       EventType = "FileCreate"
	FileDelete       EventType = "FileDelete"
	DirectoryAccess  EventType = "DirectoryAccess"
	CameraAccess     EventType = "CameraAccess"
	MicrophoneAccess EventType = "MicrophoneAccess"
	SshAccess        EventType = "SshAccess"
	NetworkConnection EventType = "NetworkConnection"
	UsbDeviceInserted EventType = "UsbDeviceInserted"
	UsbDeviceRemoved  EventType = "UsbDeviceRemoved"
	CustomMessage     EventType = "CustomMessage"

	// Reserved for the network-IDS extension (spec.md §3, §4.C).
	NetworkDiscovery  EventType = "NetworkDiscovery"
	PingDetected      EventType = "PingDetected"
	PortScanDetected  EventType = "PortScanDetected"
)

// KnownEventTypes lists every variant name accepted on the wire and in
// TriggerRule.EventTypes. Centralized here per spec.md §9 ("Implementers
// should centralize the Variant ↔ name mapping; both the classifier and the
// trigger engine consume it").
var KnownEventTypes = map[EventType]bool{
	FileAccess: true, FileModify: true, FileCreate: true, FileDelete: true,
	DirectoryAccess: true, CameraAccess: true, MicrophoneAccess: true,
	SshAccess: true, NetworkConnection: true, UsbDeviceInserted: true,
	UsbDeviceRemoved: true, CustomMessage: true, NetworkDiscovery: true,
	PingDetected: true, PortScanDetected: true,
}

type taggedEventType struct {
	Type string `json:"type"`
}

// MarshalJSON implements the internally-tagged encoding required by
// spec.md §6: {"type":"CameraAccess"}.
func (t EventType) MarshalJSON() ([]byte, error) {
	return json.Marshal(taggedEventType{Type: string(t)})
}

// UnmarshalJSON accepts either the tagged object form or a bare string, so
// that ingress clients submitting minimal JSON are not penalized.
func (t *EventType) UnmarshalJSON(data []byte) error {
	var tagged taggedEventType
	if err := json.Unmarshal(data, &tagged); err == nil && tagged.Type != "" {
		*t = EventType(tagged.Type)
		return nil
	}
	var bare string
	if err := json.Unmarshal(data, &bare); err != nil {
		return fmt.Errorf("event_type: %w", err)
	}
	*t = EventType(bare)
	return nil
}

// Severity is a totally ordered grade: Low < Medium < High < Critical.
type Severity int

const (
	Low Severity = iota
	Medium
	High
	Critical
)

var severityNames = [...]string{"Low", "Medium", "High", "Critical"}

// String returns the capitalized enum name used on the wire.
func (s Severity) String() string {
	if s < Low || s > Critical {
		return "Medium"
	}
	return severityNames[s]
}

// MarshalJSON encodes the severity as its capitalized name.
func (s Severity) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON decodes a capitalized severity name. Unknown strings default
// to Medium, matching the trigger engine's gating rule in spec.md §4.H.
func (s *Severity) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return fmt.Errorf("severity: %w", err)
	}
	*s = ParseSeverity(name)
	return nil
}

// ParseSeverity maps a severity name to its Severity value. Unrecognized
// names default to Medium (spec.md §4.H: "unknown level strings default to
// Medium").
func ParseSeverity(name string) Severity {
	for i, n := range severityNames {
		if n == name {
			return Severity(i)
		}
	}
	return Medium
}

// EventDetails carries the human- and machine-readable payload of a
// SecurityEvent.
type EventDetails struct {
	Severity    Severity          `json:"severity"`
	Description string            `json:"description"`
	Metadata    map[string]string `json:"metadata"`
}

// SecurityEvent is the single currency of the pipeline: an immutable value
// object produced by exactly one of the four producers (filesystem watcher,
// network poller, USB monitor, ingress) and consumed by every subscriber of
// the fan-out bus.
type SecurityEvent struct {
	Timestamp time.Time    `json:"timestamp"`
	EventType EventType    `json:"event_type"`
	Path      string       `json:"path"`
	Details   EventDetails `json:"details"`
}

// EncodeLine serializes the event as a single newline-terminated JSON line,
// the wire format specified in spec.md §6.
func (e SecurityEvent) EncodeLine() ([]byte, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("monitor: encode event: %w", err)
	}
	return append(raw, '\n'), nil
}

// DecodeLine parses a single JSON line (without its trailing newline) into a
// SecurityEvent.
func DecodeLine(line []byte) (SecurityEvent, error) {
	var e SecurityEvent
	if err := json.Unmarshal(line, &e); err != nil {
		return SecurityEvent{}, fmt.Errorf("monitor: decode event: %w", err)
	}
	return e, nil
}
