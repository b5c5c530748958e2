// Package console implements the L1 console session: a persistent
// terminal-multiplexer session on the remote host in which a long-lived
// ActiveRecord evaluator ("Rails console") runs with a known stable
// prompt. It owns framing, prompt detection with adaptive polling,
// output capture, error recognition, and stabilization recovery.
package console

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/netresearch/j2o-core/internal/containerx"
	"github.com/netresearch/j2o-core/internal/observability"
	"go.uber.org/zap"
)

// ConsoleNotReadyError means the expected prompt was not detected within
// the poll budget. The caller gets one stabilization attempt (a no-op
// plus re-detect) before this is surfaced.
type ConsoleNotReadyError struct {
	Nonce string
	Err   error
}

func (e *ConsoleNotReadyError) Error() string {
	return fmt.Sprintf("console: not ready waiting for nonce %s: %v", e.Nonce, e.Err)
}

func (e *ConsoleNotReadyError) Unwrap() error { return e.Err }

const (
	pollStart = 50 * time.Millisecond
	pollCap   = 500 * time.Millisecond

	// tmuxSessionPrefix names the persistent multiplexer session inside
	// the container; one session per engine run, reused across every
	// component's Load phase.
	tmuxSessionPrefix = "j2o-console"
)

// Session drives a single tmux session in which `rails console` is kept
// running. Exactly one evaluate() call may be in flight at a time; the
// mutex below is the enforcement point the orchestrator's "console
// session = 1 in-flight call" constraint relies on.
type Session struct {
	adapter     *containerx.Adapter
	logger      *observability.Logger
	metrics     *observability.Metrics
	tmuxName    string
	workDir     string

	mu      sync.Mutex
	started bool
}

// New creates a Session bound to adapter, targeting the given remote
// working directory for temp files (matches spec.md §4.1's
// `/<remote-temp>/j2o_*` naming). tmuxName overrides the default session
// name (tmuxSessionPrefix) when non-empty, so an operator running more
// than one engine instance against the same container can keep their
// sessions from colliding.
func New(adapter *containerx.Adapter, workDir, tmuxName string, logger *observability.Logger, metrics *observability.Metrics) *Session {
	if workDir == "" {
		workDir = "/tmp"
	}
	if tmuxName == "" {
		tmuxName = tmuxSessionPrefix
	}
	return &Session{
		adapter:  adapter,
		logger:   logger,
		metrics:  metrics,
		tmuxName: tmuxName,
		workDir:  workDir,
	}
}

// Start creates the tmux session and launches `rails console` inside it,
// waiting for the initial Rails prompt before returning.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}

	startCmd := fmt.Sprintf(
		"tmux new-session -d -s %s 'bundle exec rails console'",
		shellQuote(s.tmuxName),
	)
	_, stderr, exit, err := s.adapter.Exec(ctx, startCmd, nil, 30*time.Second)
	if err != nil {
		return fmt.Errorf("console: start tmux session: %w", err)
	}
	if exit != 0 {
		return fmt.Errorf("console: tmux new-session failed: %s", strings.TrimSpace(string(stderr)))
	}

	if err := s.waitForPrompt(ctx, "irb("); err != nil {
		return err
	}

	s.started = true
	s.logger.Info("console session started", zap.String("tmux_session", s.tmuxName))
	return nil
}

// Evaluate loads scriptPath in the Rails console and waits for the
// matching END:<nonce> sentinel, returning everything captured since the
// BEGIN:<nonce> sentinel (the whole pane history if that sentinel is no
// longer in it). Exactly one Evaluate call is in flight at a
// time across the whole engine.
func (s *Session) Evaluate(ctx context.Context, scriptPath, nonce string, timeout time.Duration) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	sendCmd := fmt.Sprintf("tmux send-keys -t %s %s Enter",
		shellQuote(s.tmuxName),
		shellQuote(fmt.Sprintf("load '%s'", scriptPath)),
	)
	if _, _, _, err := s.adapter.Exec(ctx, sendCmd, nil, 10*time.Second); err != nil {
		return nil, fmt.Errorf("console: send load command: %w", err)
	}

	endMarker := "END:" + nonce
	captured, err := s.pollForMarker(ctx, endMarker, timeout)
	duration := time.Since(start)

	if err != nil {
		var notReady *ConsoleNotReadyError
		if ok := asConsoleNotReady(err, &notReady); ok {
			if stabErr := s.stabilize(ctx); stabErr != nil {
				s.metrics.RecordConsoleExecute("evaluate", "not_ready", duration.Seconds())
				return nil, err
			}
			captured, err = s.pollForMarker(ctx, endMarker, timeout)
			if err != nil {
				s.metrics.RecordConsoleExecute("evaluate", "not_ready", duration.Seconds())
				return nil, err
			}
		} else {
			s.metrics.RecordConsoleExecute("evaluate", "error", duration.Seconds())
			return nil, err
		}
	}

	if i := strings.Index(string(captured), "BEGIN:"+nonce); i >= 0 {
		captured = captured[i:]
	}

	s.metrics.RecordConsoleExecute("evaluate", "success", duration.Seconds())
	return captured, nil
}

// pollForMarker captures the tmux pane and adaptively polls, starting at
// pollStart and doubling up to pollCap, until marker appears or timeout
// elapses.
func (s *Session) pollForMarker(ctx context.Context, marker string, timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	interval := pollStart

	for {
		captured, err := s.capturePane(ctx)
		if err != nil {
			return nil, err
		}
		if strings.Contains(string(captured), marker) {
			return captured, nil
		}

		if time.Now().After(deadline) {
			return nil, &ConsoleNotReadyError{Nonce: marker, Err: fmt.Errorf("marker not seen within %s", timeout)}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}

		interval *= 2
		if interval > pollCap {
			interval = pollCap
		}
	}
}

func (s *Session) capturePane(ctx context.Context) ([]byte, error) {
	cmd := fmt.Sprintf("tmux capture-pane -t %s -p -S -", shellQuote(s.tmuxName))
	stdout, _, _, err := s.adapter.Exec(ctx, cmd, nil, 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("console: capture pane: %w", err)
	}
	return stdout, nil
}

// waitForPrompt polls until promptFragment appears in the captured pane,
// used at session startup and by stabilize.
func (s *Session) waitForPrompt(ctx context.Context, promptFragment string) error {
	_, err := s.pollForMarker(ctx, promptFragment, 60*time.Second)
	return err
}

// stabilize sends a single no-op line and re-attempts prompt detection,
// the one recovery attempt spec.md §4.1 allows before surfacing
// ConsoleNotReadyError.
func (s *Session) stabilize(ctx context.Context) error {
	s.logger.Warn("console not ready, attempting stabilization")
	noop := fmt.Sprintf("tmux send-keys -t %s %s Enter", shellQuote(s.tmuxName), shellQuote("nil"))
	if _, _, _, err := s.adapter.Exec(ctx, noop, nil, 10*time.Second); err != nil {
		return err
	}
	return s.waitForPrompt(ctx, "irb(")
}

// HealthCheck verifies console readiness without side effects, by
// capturing the pane and checking for a stable prompt.
func (s *Session) HealthCheck(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	captured, err := s.capturePane(ctx)
	if err != nil {
		return err
	}
	if !strings.Contains(string(captured), "irb(") {
		return &ConsoleNotReadyError{Nonce: "health_check", Err: fmt.Errorf("no stable prompt detected")}
	}
	return nil
}

func asConsoleNotReady(err error, target **ConsoleNotReadyError) bool {
	if cnr, ok := err.(*ConsoleNotReadyError); ok {
		*target = cnr
		return true
	}
	return false
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
