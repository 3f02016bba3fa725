// Package trigger implements the Trigger Engine (spec.md §4.H): a bus
// subscriber that runs a configured action for each enabled rule whose
// event_type/severity/cooldown gates all pass.
//
// Grounded on original_source/src/main.rs's process_event_triggers /
// check_trigger_cooldown / execute_trigger for the exact gating order and
// the cooldown-set-before-spawn invariant, and on the teacher's
// internal/agent/agent.go Agent.handleEvent for the "bus subscriber that
// logs, then dispatches, errors are logged and do not stop the engine"
// idiom. The cooldown map uses sync.Mutex + map[string]time.Time — a direct
// translation of the Rust original's Arc<Mutex<HashMap<String, Instant>>>
// into the Go idiom, since no teacher Go file has an equivalent
// map-guarded-by-mutex of this shape.
package trigger

import (
	"context"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/soulvice/secmon/internal/bus"
	"github.com/soulvice/secmon/internal/config"
	"github.com/soulvice/secmon/internal/monitor"
)

// Engine subscribes to the bus and runs configured trigger rules.
type Engine struct {
	rules  []config.TriggerRule
	logger *slog.Logger

	mu        sync.Mutex
	lastFired map[string]time.Time

	sub *bus.Subscription
	wg  sync.WaitGroup
}

// New creates a trigger Engine for the given rule set.
func New(rules []config.TriggerRule, logger *slog.Logger) *Engine {
	return &Engine{rules: rules, logger: logger, lastFired: make(map[string]time.Time)}
}

// Start subscribes to b and begins evaluating rules against every event in
// a background goroutine, until Stop is called or b is closed. ctx is passed
// to the commands the engine runs; cancelling it does not end the loop.
func (e *Engine) Start(ctx context.Context, b *bus.Bus) {
	e.sub = b.Subscribe()
	e.wg.Add(1)
	go e.run(ctx)
}

// Stop unblocks the engine's subscription and waits for its goroutine to
// exit.
func (e *Engine) Stop(b *bus.Bus) {
	if e.sub != nil {
		b.Unsubscribe(e.sub)
	}
	e.wg.Wait()
}

func (e *Engine) run(ctx context.Context) {
	defer e.wg.Done()
	for {
		evt, err := e.sub.Recv()
		if err != nil {
			return
		}
		e.handleEvent(ctx, evt)
	}
}

// handleEvent evaluates every enabled rule against evt in order, executing
// the command for each rule whose gates all pass. Per-rule errors are
// logged and never stop the engine.
func (e *Engine) handleEvent(ctx context.Context, evt monitor.SecurityEvent) {
	for _, rule := range e.rules {
		if !rule.Enabled {
			continue
		}
		if !matchesEventType(rule, evt.EventType) {
			continue
		}
		if !meetsMinSeverity(evt.Details.Severity, rule.MinSeverity) {
			continue
		}
		if !e.checkCooldown(rule.Name, rule.CooldownSeconds) {
			continue
		}
		e.execute(ctx, rule, evt)
	}
}

func matchesEventType(rule config.TriggerRule, eventType monitor.EventType) bool {
	for _, t := range rule.EventTypes {
		if t == string(eventType) {
			return true
		}
	}
	return false
}

// meetsMinSeverity compares evt's severity against rule.MinSeverity. Unknown
// severity names default to Medium, matching spec.md §4.H.
func meetsMinSeverity(eventSeverity monitor.Severity, minSeverity string) bool {
	return eventSeverity >= monitor.ParseSeverity(minSeverity)
}

// checkCooldown reports whether rule is eligible to fire right now and, if
// so, records the firing time before returning — the cooldown map is
// updated before the command is spawned, preventing a burst of events from
// racing the cooldown check.
func (e *Engine) checkCooldown(name string, cooldownSeconds int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := time.Now()
	if last, ok := e.lastFired[name]; ok {
		if now.Sub(last) < time.Duration(cooldownSeconds)*time.Second {
			return false
		}
	}
	e.lastFired[name] = now
	return true
}

// execute substitutes {path}/{severity}/{description}/{timestamp} into the
// rule's args and runs the command, synchronously or in a detached
// goroutine depending on rule.RunAsync. Spawn failure is logged; it never
// aborts the engine.
func (e *Engine) execute(ctx context.Context, rule config.TriggerRule, evt monitor.SecurityEvent) {
	args := make([]string, len(rule.Args))
	for i, a := range rule.Args {
		args[i] = substitute(a, evt)
	}

	run := func() {
		cmd := exec.CommandContext(ctx, rule.Command, args...)
		if err := cmd.Run(); err != nil {
			e.logger.Warn("trigger: command execution failed", "rule", rule.Name, "command", rule.Command, "error", err)
		}
	}

	if rule.RunAsync {
		go run()
		return
	}
	run()
}

func substitute(s string, evt monitor.SecurityEvent) string {
	replacer := strings.NewReplacer(
		"{path}", evt.Path,
		"{severity}", evt.Details.Severity.String(),
		"{description}", evt.Details.Description,
		"{timestamp}", evt.Timestamp.Format(time.RFC3339),
	)
	return replacer.Replace(s)
}
