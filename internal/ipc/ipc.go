// Package ipc implements the IPC Listener (spec.md §4.G): a Unix stream
// socket that is both the fan-out egress for the bus and the ingress point
// for externally injected events.
//
// Grounded on internal/server/websocket/handler.go's per-connection
// goroutine pair: a reader goroutine that detects connection close paired
// with a writer draining a channel, guarded by a sync/atomic closed flag to
// avoid a double-close race. handler.go's writer selects on its done channel
// alongside its send channel; the bus subscription here has no channel to
// select against (Recv blocks on a sync.Cond), so the reader instead closes
// the connection as soon as it detects disconnect, which wakes a writer
// parked in Recv via the same Unsubscribe/broadcast path. The RFC 6455 frame
// encode/decode that handler.go performs is replaced entirely by
// bufio.Scanner-based newline-JSON, since the transport here is a raw Unix
// stream socket, not HTTP/WebSocket. The stale-socket reclamation
// (connect-probe before bind) is grounded on original_source/src/main.rs's
// start() preamble, which has no analogue in the teacher.
package ipc

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/soulvice/secmon/internal/bus"
	"github.com/soulvice/secmon/internal/monitor"
)

// ErrAnotherInstanceRunning is returned by Bind when an existing socket at
// the requested path is live (a connect to it succeeds), meaning another
// daemon instance already holds it — a fatal condition per spec.md §7.
var ErrAnotherInstanceRunning = errors.New("ipc: another instance is already running on this socket")

// Listener accepts Unix stream connections and wires each one to the bus as
// both an egress subscriber and an ingress producer.
type Listener struct {
	socketPath string
	bus        *bus.Bus
	logger     *slog.Logger

	ln net.Listener
}

// Bind performs the pre-bind stale-socket reclamation described in spec.md
// §4.G: if a socket already exists at path, a successful connect means
// another instance is live (returns ErrAnotherInstanceRunning); a failed
// connect means the inode is stale and is removed before binding. After
// binding, permissions are best-effort relaxed to 0666.
func Bind(path string, b *bus.Bus, logger *slog.Logger) (*Listener, error) {
	if _, err := os.Stat(path); err == nil {
		conn, dialErr := net.DialTimeout("unix", path, 200*time.Millisecond)
		if dialErr == nil {
			conn.Close()
			return nil, ErrAnotherInstanceRunning
		}
		if err := os.Remove(path); err != nil {
			return nil, fmt.Errorf("ipc: removing stale socket %q: %w", path, err)
		}
		logger.Info("ipc: removed stale socket", "path", path)
	}

	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("ipc: bind %q: %w", path, err)
	}

	if err := os.Chmod(path, 0o666); err != nil {
		logger.Warn("ipc: failed to set socket permissions", "path", path, "error", err)
	}

	return &Listener{socketPath: path, bus: b, logger: logger, ln: ln}, nil
}

// Serve accepts connections until the listener is closed, spawning one
// connection handler per accepted socket. Returns nil when Close causes the
// Accept loop to terminate.
func (l *Listener) Serve() error {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("ipc: accept: %w", err)
		}
		go l.handleConnection(conn)
	}
}

// Close stops accepting new connections and removes the socket file
// (best-effort, per spec.md §7's cleanup error class).
func (l *Listener) Close() {
	l.ln.Close()
	if err := os.Remove(l.socketPath); err != nil && !os.IsNotExist(err) {
		l.logger.Warn("ipc: failed to remove socket file on shutdown", "path", l.socketPath, "error", err)
	}
}

// handleConnection runs the egress write-loop and ingress read-loop for one
// client, exactly as a pair of concurrent goroutines coordinated by an
// atomic closed flag, matching handler.go's shape.
//
// Unlike handler.go's channel-backed client.Send(), the egress side here
// blocks inside sub.Recv()'s condition-variable wait, which a close from the
// read side cannot select against directly. So readLoop calls closeOnce as
// soon as it detects disconnect, rather than handleConnection waiting for
// writeLoop to return first: closeOnce's Unsubscribe sets the subscription's
// stopped flag and broadcasts, which wakes a writeLoop parked in Recv
// immediately instead of leaving it blocked until the next unrelated publish.
func (l *Listener) handleConnection(conn net.Conn) {
	clientID := uuid.NewString()
	l.logger.Info("ipc: client connected", "client_id", clientID, "remote", conn.RemoteAddr())

	// Subscribed in replay ("monitor") mode: the server always hands back
	// every buffered event; a client wanting "listen" semantics filters
	// client-side on timestamp > connect_time, per spec.md §4.G.
	sub := l.bus.SubscribeReplay()

	var closed atomic.Bool
	closeOnce := func() {
		if closed.CompareAndSwap(false, true) {
			conn.Close()
			l.bus.Unsubscribe(sub)
		}
	}
	defer closeOnce()

	go func() {
		l.readLoop(conn, clientID)
		closeOnce()
	}()

	l.writeLoop(conn, sub, clientID)
}

// writeLoop drains the bus subscription and writes one JSON line per event.
// A write failure (client gone) or an ErrClosed from Recv (Unsubscribe was
// called, either by this connection's own closeOnce or by the bus shutting
// down) terminates the loop.
func (l *Listener) writeLoop(conn net.Conn, sub *bus.Subscription, clientID string) {
	for {
		evt, err := sub.Recv()
		if err != nil {
			if errors.Is(err, bus.ErrLagged) {
				continue
			}
			return
		}

		line, err := evt.EncodeLine()
		if err != nil {
			l.logger.Warn("ipc: failed to encode event", "client_id", clientID, "error", err)
			continue
		}

		if _, err := conn.Write(line); err != nil {
			l.logger.Debug("ipc: client disconnected", "client_id", clientID, "error", err)
			return
		}
	}
}

// readLoop reads newline-JSON submissions from the client and re-injects
// well-formed events into the bus with a server-filled timestamp when the
// caller did not provide one. Malformed input is logged and the connection
// continues, per spec.md §4.G.
func (l *Listener) readLoop(conn net.Conn, clientID string) {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 4096), 1<<20)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		evt, err := monitor.DecodeLine(line)
		if err != nil {
			l.logger.Warn("ipc: malformed ingress line, skipping", "client_id", clientID, "error", err)
			continue
		}
		if evt.Timestamp.IsZero() {
			evt.Timestamp = time.Now()
		}

		l.bus.Publish(evt)
	}

	l.logger.Info("ipc: client disconnected", "client_id", clientID)
}
