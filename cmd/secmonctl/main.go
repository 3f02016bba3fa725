// Command secmonctl is a thin client for talking to a running secmon
// daemon over its Unix socket: it streams events (monitor/listen), injects
// a synthetic event (msg), and offers minimal stats/search helpers against
// a log file. It is an external collaborator to the daemon, not part of
// its core, so it stays deliberately small.
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/soulvice/secmon/internal/monitor"
)

func main() {
	if len(os.Args) < 2 {
		printHelp()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "monitor":
		runStream(os.Args[2:], false)
	case "listen":
		runStream(os.Args[2:], true)
	case "msg":
		runMsg(os.Args[2:])
	case "stats":
		runStats(os.Args[2:])
	case "search":
		runSearch(os.Args[2:])
	case "--help", "-h", "help":
		printHelp()
	default:
		fmt.Fprintf(os.Stderr, "secmonctl: unknown command %q\n", os.Args[1])
		printHelp()
		os.Exit(1)
	}
}

func printHelp() {
	fmt.Println(`secmonctl - secmon daemon client

Usage:
  secmonctl monitor [--socket PATH]            stream all events (buffered replay + live)
  secmonctl listen [--socket PATH]             stream only events after connect time
  secmonctl msg --type TYPE --severity SEV --description TEXT [--path PATH] [--socket PATH]
                                                inject a synthetic event
  secmonctl stats --log PATH                   summarize event counts from a log file
  secmonctl search --log PATH --query TEXT     grep a log file for a substring`)
}

func flagValue(args []string, names ...string) (string, bool) {
	for i, a := range args {
		for _, n := range names {
			if a == n && i+1 < len(args) {
				return args[i+1], true
			}
		}
	}
	return "", false
}

func socketFromArgs(args []string) string {
	if s, ok := flagValue(args, "--socket", "-s"); ok {
		return s
	}
	return "/tmp/secmon.sock"
}

// runStream connects to the daemon's socket and prints every event it
// receives. In listen mode, events with timestamp <= the connection time
// are discarded client-side, matching the daemon's always-replay server
// behavior (mode-filtering lives entirely in the client).
func runStream(args []string, listenMode bool) {
	socketPath := socketFromArgs(args)
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "secmonctl: connecting to %s: %v\n", socketPath, err)
		os.Exit(1)
	}
	defer conn.Close()

	connectTime := time.Now()
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 4096), 1<<20)

	for scanner.Scan() {
		line := scanner.Bytes()
		var evt monitor.SecurityEvent
		if err := json.Unmarshal(line, &evt); err != nil {
			fmt.Fprintf(os.Stderr, "secmonctl: malformed event: %v\n", err)
			continue
		}
		if listenMode && !evt.Timestamp.After(connectTime) {
			continue
		}
		fmt.Println(string(line))
	}
	if err := scanner.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "secmonctl: connection error: %v\n", err)
		os.Exit(1)
	}
}

// runMsg builds a CustomMessage-shaped SecurityEvent from flags and writes
// it as a single newline-JSON line to the daemon's socket for ingestion.
func runMsg(args []string) {
	socketPath := socketFromArgs(args)

	eventType := monitor.CustomMessage
	if t, ok := flagValue(args, "--type", "-t"); ok {
		eventType = monitor.EventType(t)
	}
	severity := monitor.Medium
	if s, ok := flagValue(args, "--severity"); ok {
		severity = monitor.ParseSeverity(s)
	}
	path, _ := flagValue(args, "--path", "-p")
	description, _ := flagValue(args, "--description", "-d")

	evt := monitor.SecurityEvent{
		Timestamp: time.Now(),
		EventType: eventType,
		Path:      path,
		Details: monitor.EventDetails{
			Severity:    severity,
			Description: description,
			Metadata:    map[string]string{},
		},
	}

	line, err := evt.EncodeLine()
	if err != nil {
		fmt.Fprintf(os.Stderr, "secmonctl: encoding event: %v\n", err)
		os.Exit(1)
	}

	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "secmonctl: connecting to %s: %v\n", socketPath, err)
		os.Exit(1)
	}
	defer conn.Close()

	if _, err := conn.Write(line); err != nil {
		fmt.Fprintf(os.Stderr, "secmonctl: writing event: %v\n", err)
		os.Exit(1)
	}
}

// runStats tallies event types from a newline-JSON log file. It is a thin
// external-collaborator helper, not a daemon feature.
func runStats(args []string) {
	logPath, ok := flagValue(args, "--log", "-l")
	if !ok {
		fmt.Fprintln(os.Stderr, "secmonctl: stats requires --log PATH")
		os.Exit(1)
	}
	f, err := os.Open(logPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "secmonctl: opening %s: %v\n", logPath, err)
		os.Exit(1)
	}
	defer f.Close()

	counts := map[monitor.EventType]int{}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 4096), 1<<20)
	for scanner.Scan() {
		var evt monitor.SecurityEvent
		if err := json.Unmarshal(scanner.Bytes(), &evt); err != nil {
			continue
		}
		counts[evt.EventType]++
	}

	for t, n := range counts {
		fmt.Printf("%-20s %d\n", t, n)
	}
}

// runSearch greps a log file for lines that contain the given substring
// anywhere in the raw line, not only in the description or path.
func runSearch(args []string) {
	logPath, ok := flagValue(args, "--log", "-l")
	if !ok {
		fmt.Fprintln(os.Stderr, "secmonctl: search requires --log PATH")
		os.Exit(1)
	}
	query, ok := flagValue(args, "--query", "-q")
	if !ok {
		fmt.Fprintln(os.Stderr, "secmonctl: search requires --query TEXT")
		os.Exit(1)
	}

	f, err := os.Open(logPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "secmonctl: opening %s: %v\n", logPath, err)
		os.Exit(1)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 4096), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.Contains(line, query) {
			fmt.Println(line)
		}
	}
}
