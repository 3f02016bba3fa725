// Package usbmon implements the USB Monitor (spec.md §4.D): kernel hotplug
// subscription filtered to the usb subsystem, with Add/Remove handling and
// severity classification by vendor ID, HID, and mass-storage keywords.
//
// Grounded on _examples/smazurov-videonode/pkg/linuxav/hotplug/hotplug.go's
// pure-Go AF_NETLINK/NETLINK_KOBJECT_UEVENT socket reader, in place of the
// original_source/src/usb_monitor.rs's libudev cgo binding: no cgo and no
// udev system dependency, while preserving the same externally-observable
// Add/Remove semantics and the same ID_VENDOR_ID/ID_PRODUCT_ID/ID_VENDOR/
// ID_MODEL/ID_SERIAL_SHORT uevent property keys.
//
//go:build linux

package usbmon

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/soulvice/secmon/internal/monitor"
)

const (
	netlinkKobjectUEvent = 15
	subsystemUSB         = "usb"
)

// Monitor subscribes to kernel USB hotplug events via a raw netlink socket
// and translates them into monitor.SecurityEvents.
type Monitor struct {
	logger *slog.Logger

	fd int

	events   chan monitor.SecurityEvent
	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup

	degraded bool
}

// New opens the netlink hotplug socket. If opening fails (commonly a
// permissions issue — the socket requires root or the appropriate
// capability), New returns a Monitor in degraded mode rather than an error:
// per spec.md §4.D, "the USB monitor's unavailability must never prevent
// the daemon from starting."
func New(logger *slog.Logger) *Monitor {
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, netlinkKobjectUEvent)
	if err != nil {
		logger.Warn("usbmon: disabled - failed to open netlink socket", "error", err)
		return &Monitor{logger: logger, events: make(chan monitor.SecurityEvent, 64), stopCh: make(chan struct{}), degraded: true}
	}

	addr := &unix.SockaddrNetlink{Family: unix.AF_NETLINK, Groups: 1}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		logger.Warn("usbmon: disabled - failed to bind netlink socket", "error", err)
		return &Monitor{logger: logger, events: make(chan monitor.SecurityEvent, 64), stopCh: make(chan struct{}), degraded: true}
	}

	return &Monitor{
		logger: logger,
		fd:     fd,
		events: make(chan monitor.SecurityEvent, 64),
		stopCh: make(chan struct{}),
	}
}

// Events returns the channel on which SecurityEvents are delivered. In
// degraded mode the channel simply never produces anything.
func (m *Monitor) Events() <-chan monitor.SecurityEvent { return m.events }

// Start begins monitoring in the background. Always succeeds, even in
// degraded mode (a no-op goroutine that only waits for Stop).
func (m *Monitor) Start(ctx context.Context) error {
	m.wg.Add(1)
	if m.degraded {
		go func() {
			defer m.wg.Done()
			<-m.stopCh
		}()
		return nil
	}
	go m.run(ctx)
	return nil
}

// Stop terminates monitoring and closes the Events channel. Safe to call
// multiple times.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
		m.wg.Wait()
		if !m.degraded {
			unix.Close(m.fd)
		}
		close(m.events)
	})
}

func (m *Monitor) run(ctx context.Context) {
	defer m.wg.Done()

	buf := make([]byte, 8192)
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		default:
		}

		tv := unix.Timeval{Sec: 1}
		if err := unix.SetsockoptTimeval(m.fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
			m.logger.Warn("usbmon: setsockopt failed", "error", err)
			return
		}

		n, _, err := unix.Recvfrom(m.fd, buf, 0)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EINTR) {
				continue
			}
			m.logger.Warn("usbmon: recvfrom error", "error", err)
			return
		}
		if n == 0 {
			continue
		}

		ue := parseUEvent(buf[:n])
		if ue == nil || ue.subsystem != subsystemUSB {
			continue
		}

		switch ue.action {
		case "add":
			m.send(m.buildInsertionEvent(ue))
		case "remove":
			m.send(m.buildRemovalEvent(ue))
		default:
			// bind/unbind/change and anything else: not tracked.
		}
	}
}

func (m *Monitor) send(evt monitor.SecurityEvent) {
	select {
	case m.events <- evt:
	default:
		m.logger.Warn("usbmon: event channel full, dropping event", "event_type", evt.EventType)
	}
}

// uevent is a parsed kernel uevent message: "ACTION@KOBJ\0KEY=VALUE\0...".
type uevent struct {
	action    string
	kobj      string
	subsystem string
	env       map[string]string
}

func parseUEvent(data []byte) *uevent {
	if len(data) == 0 {
		return nil
	}

	if bytes.HasPrefix(data, []byte("libudev")) {
		for i := 0; i < len(data)-1; i++ {
			if data[i] == 0 {
				rest := data[i+1:]
				if idx := bytes.IndexByte(rest, '@'); idx > 0 && idx < 20 {
					data = rest
					break
				}
			}
		}
	}

	parts := bytes.Split(data, []byte{0})
	if len(parts) < 1 || len(parts[0]) == 0 {
		return nil
	}

	header := string(parts[0])
	atIdx := strings.Index(header, "@")
	if atIdx < 1 {
		return nil
	}

	ue := &uevent{action: header[:atIdx], kobj: header[atIdx+1:], env: make(map[string]string)}

	for _, part := range parts[1:] {
		if len(part) == 0 {
			continue
		}
		kv := string(part)
		eqIdx := strings.Index(kv, "=")
		if eqIdx < 1 {
			continue
		}
		key, value := kv[:eqIdx], kv[eqIdx+1:]
		ue.env[key] = value
		if key == "SUBSYSTEM" {
			ue.subsystem = value
		}
	}

	return ue
}

func (m *Monitor) buildInsertionEvent(ue *uevent) monitor.SecurityEvent {
	metadata := extractMetadata(ue)
	severity := classifyUSBSeverity(metadata)

	var description string
	vendor, hasVendor := metadata["vendor"]
	product, hasProduct := metadata["product"]
	if hasVendor && hasProduct {
		description = fmt.Sprintf("USB device inserted: %s %s (%s:%s)",
			vendor, product, orUnknown(metadata["vendor_id"]), orUnknown(metadata["product_id"]))
	} else {
		description = fmt.Sprintf("USB device inserted: %s:%s", orUnknown(metadata["vendor_id"]), orUnknown(metadata["product_id"]))
	}

	return monitor.SecurityEvent{
		Timestamp: time.Now(),
		EventType: monitor.UsbDeviceInserted,
		Path:      syspath(ue),
		Details: monitor.EventDetails{
			Severity:    severity,
			Description: description,
			Metadata:    metadata,
		},
	}
}

// buildRemovalEvent emits UsbDeviceRemoved — a distinct event type from
// UsbDeviceInserted, resolving the ambiguity the Rust original left open
// with its own "We could add UsbDeviceRemoved if needed" comment.
func (m *Monitor) buildRemovalEvent(ue *uevent) monitor.SecurityEvent {
	metadata := map[string]string{}
	if dt, ok := ue.env["DEVTYPE"]; ok {
		metadata["device_type"] = dt
	}

	return monitor.SecurityEvent{
		Timestamp: time.Now(),
		EventType: monitor.UsbDeviceRemoved,
		Path:      syspath(ue),
		Details: monitor.EventDetails{
			Severity:    monitor.Low,
			Description: "USB device removed",
			Metadata:    metadata,
		},
	}
}

func syspath(ue *uevent) string {
	if ue.kobj == "" {
		return "/sys/devices/usb"
	}
	return "/sys" + ue.kobj
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

func extractMetadata(ue *uevent) map[string]string {
	md := make(map[string]string)
	mapping := map[string]string{
		"DEVTYPE":        "device_type",
		"ID_VENDOR_ID":   "vendor_id",
		"ID_PRODUCT_ID":  "product_id",
		"ID_VENDOR":      "vendor",
		"ID_MODEL":       "product",
		"ID_SERIAL_SHORT": "serial",
		"DEVNAME":        "device_path",
	}
	for key, field := range mapping {
		if v, ok := ue.env[key]; ok {
			md[field] = v
		}
	}
	return md
}

// classifyUSBSeverity ports
// original_source/src/usb_monitor.rs's classify_usb_device_severity.
func classifyUSBSeverity(metadata map[string]string) monitor.Severity {
	if metadata["device_type"] != "usb_device" {
		return monitor.Low
	}

	vendorID, hasVendor := metadata["vendor_id"]
	_, hasProduct := metadata["product_id"]
	if !hasVendor || !hasProduct {
		return monitor.Medium
	}

	switch vendorID {
	case "f000", "dead":
		return monitor.Critical
	}
	if isMassStorageDevice(metadata) {
		return monitor.Medium
	}
	if isHIDDevice(metadata) {
		return monitor.High
	}
	return monitor.Low
}

func isMassStorageDevice(metadata map[string]string) bool {
	for _, v := range metadata {
		lower := strings.ToLower(v)
		if strings.Contains(lower, "mass_storage") || strings.Contains(lower, "storage") || strings.Contains(lower, "disk") {
			return true
		}
	}
	return false
}

func isHIDDevice(metadata map[string]string) bool {
	for _, v := range metadata {
		lower := strings.ToLower(v)
		if strings.Contains(lower, "hid") || strings.Contains(lower, "keyboard") || strings.Contains(lower, "mouse") {
			return true
		}
	}
	return false
}
