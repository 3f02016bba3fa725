package ipc

import (
	"bufio"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/soulvice/secmon/internal/bus"
	"github.com/soulvice/secmon/internal/monitor"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func mkEvent(desc string) monitor.SecurityEvent {
	return monitor.SecurityEvent{
		EventType: monitor.CustomMessage,
		Path:      "/x",
		Details:   monitor.EventDetails{Severity: monitor.High, Description: desc, Metadata: map[string]string{}},
	}
}

func TestBindAndServeDeliversEvents(t *testing.T) {
	dir := t.TempDir()
	socketPath := filepath.Join(dir, "secmon.sock")

	b := bus.New(testLogger())
	defer b.Close()

	l, err := Bind(socketPath, b, testLogger())
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	defer l.Close()

	go l.Serve()

	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	time.Sleep(50 * time.Millisecond) // let the server register its subscription
	b.Publish(mkEvent("hello"))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("ReadString: %v", err)
	}

	evt, err := monitor.DecodeLine([]byte(line[:len(line)-1]))
	if err != nil {
		t.Fatalf("DecodeLine: %v", err)
	}
	if evt.Details.Description != "hello" {
		t.Fatalf("expected description 'hello', got %q", evt.Details.Description)
	}
}

func TestBindRemovesStaleSocket(t *testing.T) {
	dir := t.TempDir()
	socketPath := filepath.Join(dir, "secmon.sock")

	// Create a stale socket file (bind then immediately close without ever
	// accepting) so a connect attempt fails, simulating a crashed instance.
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	ln.(*net.UnixListener).SetUnlinkOnClose(false) // keep the socket file after Close
	ln.Close()

	b := bus.New(testLogger())
	defer b.Close()

	l, err := Bind(socketPath, b, testLogger())
	if err != nil {
		t.Fatalf("expected Bind to reclaim the stale socket, got: %v", err)
	}
	l.Close()
}

func TestBindFailsWhenAnotherInstanceIsLive(t *testing.T) {
	dir := t.TempDir()
	socketPath := filepath.Join(dir, "secmon.sock")

	b := bus.New(testLogger())
	defer b.Close()

	l, err := Bind(socketPath, b, testLogger())
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	defer l.Close()
	go l.Serve()

	time.Sleep(20 * time.Millisecond)

	_, err = Bind(socketPath, b, testLogger())
	if err != ErrAnotherInstanceRunning {
		t.Fatalf("expected ErrAnotherInstanceRunning, got %v", err)
	}
}

// TestIngressInjectionReachesOtherSubscribers verifies E6: a message
// written to one client's ingress is observed, server-timestamped, by
// another connected client.
func TestIngressInjectionReachesOtherSubscribers(t *testing.T) {
	dir := t.TempDir()
	socketPath := filepath.Join(dir, "secmon.sock")

	b := bus.New(testLogger())
	defer b.Close()

	l, err := Bind(socketPath, b, testLogger())
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	defer l.Close()
	go l.Serve()

	observer, err := net.Dial("unix", socketPath)
	if err != nil {
		t.Fatalf("Dial observer: %v", err)
	}
	defer observer.Close()

	injector, err := net.Dial("unix", socketPath)
	if err != nil {
		t.Fatalf("Dial injector: %v", err)
	}
	defer injector.Close()

	time.Sleep(50 * time.Millisecond)

	submission := `{"event_type":{"type":"CustomMessage"},"path":"/x","details":{"severity":"High","description":"hi","metadata":{}}}` + "\n"
	if _, err := injector.Write([]byte(submission)); err != nil {
		t.Fatalf("Write: %v", err)
	}

	observer.SetReadDeadline(time.Now().Add(2 * time.Second))
	reader := bufio.NewReader(observer)
	for i := 0; i < 10; i++ {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("ReadString: %v", err)
		}
		evt, err := monitor.DecodeLine([]byte(line[:len(line)-1]))
		if err != nil {
			continue
		}
		if evt.Details.Description == "hi" {
			if evt.Timestamp.IsZero() {
				t.Fatal("expected server-filled timestamp on injected event")
			}
			return
		}
	}
	t.Fatal("observer never saw the injected message")
}

func TestMalformedIngressLineIsNonFatal(t *testing.T) {
	dir := t.TempDir()
	socketPath := filepath.Join(dir, "secmon.sock")

	b := bus.New(testLogger())
	defer b.Close()

	l, err := Bind(socketPath, b, testLogger())
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	defer l.Close()
	go l.Serve()

	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("not json\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	b.Publish(mkEvent("still alive"))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("expected connection to remain alive after malformed input: %v", err)
	}
	if _, err := monitor.DecodeLine([]byte(line[:len(line)-1])); err != nil {
		t.Fatalf("DecodeLine: %v", err)
	}
}

// TestWriteLoopUnblocksOnDisconnect verifies that a writeLoop parked inside
// sub.Recv() is woken promptly when its client disconnects, with no further
// bus activity to otherwise nudge it — regression test for the deadlock
// where closeOnce ran only after writeLoop returned.
func TestWriteLoopUnblocksOnDisconnect(t *testing.T) {
	dir := t.TempDir()
	socketPath := filepath.Join(dir, "secmon.sock")

	b := bus.New(testLogger())
	defer b.Close()

	l, err := Bind(socketPath, b, testLogger())
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	defer l.Close()
	go l.Serve()

	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for b.SubscriberCount() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("server never registered its subscription")
		}
		time.Sleep(5 * time.Millisecond)
	}

	conn.Close() // no further bus.Publish after this point

	deadline = time.Now().Add(2 * time.Second)
	for b.SubscriberCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("subscriber was not unsubscribed promptly after disconnect; still %d", b.SubscriberCount())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSocketPermissionsAreWorldWritable(t *testing.T) {
	dir := t.TempDir()
	socketPath := filepath.Join(dir, "secmon.sock")

	b := bus.New(testLogger())
	defer b.Close()

	l, err := Bind(socketPath, b, testLogger())
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	defer l.Close()

	info, err := os.Stat(socketPath)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Mode().Perm() != 0o666 {
		t.Fatalf("expected socket permissions 0666, got %o", info.Mode().Perm())
	}
}
