package eventd

import (
	"context"
	"sync"

	"github.com/coredevd/eventd/internal/interfaces"
)

// MockRuleEngine is a test double for interfaces.RuleEngine: it applies
// no real rules, just records which devices it was asked to process.
type MockRuleEngine struct {
	mu      sync.Mutex
	applied []string
	err     error
	delay   func()
}

// NewMockRuleEngine creates an engine that records Apply calls and
// returns err (nil for success) from every call.
func NewMockRuleEngine(err error) *MockRuleEngine {
	return &MockRuleEngine{err: err}
}

// Apply implements interfaces.RuleEngine.
func (e *MockRuleEngine) Apply(ctx context.Context, dev interfaces.Device) error {
	if e.delay != nil {
		e.delay()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.applied = append(e.applied, dev.Devpath())
	return e.err
}

// Applied returns the devpaths Apply has been called with, in order.
func (e *MockRuleEngine) Applied() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.applied))
	copy(out, e.applied)
	return out
}

// SetDelay installs a hook run synchronously at the start of every
// Apply call, used to simulate a slow rule run in timeout tests.
func (e *MockRuleEngine) SetDelay(f func()) {
	e.delay = f
}

// MockLogger is a test double for interfaces.Logger: it records every
// call instead of writing anywhere, so tests can assert on log content
// without parsing output.
type MockLogger struct {
	mu    sync.Mutex
	lines []MockLogLine
}

// MockLogLine is one recorded MockLogger call.
type MockLogLine struct {
	Level string
	Msg   string
	Args  []any
}

func (l *MockLogger) record(level, msg string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, MockLogLine{Level: level, Msg: msg, Args: args})
}

func (l *MockLogger) Debug(msg string, args ...any) { l.record("debug", msg, args...) }
func (l *MockLogger) Info(msg string, args ...any)  { l.record("info", msg, args...) }
func (l *MockLogger) Warn(msg string, args ...any)  { l.record("warn", msg, args...) }
func (l *MockLogger) Error(msg string, args ...any) { l.record("error", msg, args...) }

// Lines returns every recorded call, in order.
func (l *MockLogger) Lines() []MockLogLine {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]MockLogLine, len(l.lines))
	copy(out, l.lines)
	return out
}

// Compile-time interface checks.
var (
	_ interfaces.RuleEngine = (*MockRuleEngine)(nil)
	_ interfaces.Logger     = (*MockLogger)(nil)
)
