// Package health tracks storage issue pressure and raises an advisory
// critical state when too many issues land inside a sliding window. Nothing
// here throttles or blocks; callers decide what to do with the signals.
package health

import (
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/profiled/internal/clock"
	"pkt.systems/profiled/internal/loggingutil"
	"pkt.systems/profiled/notify"
)

// Issue records one failed remote operation.
type Issue struct {
	Store  string
	Key    string
	Op     string
	Detail string
	At     time.Time
}

// Corruption records a record blob that could not be decoded.
type Corruption struct {
	Store  string
	Key    string
	Detail string
	At     time.Time
}

// CriticalState reports a transition of the advisory critical flag.
type CriticalState struct {
	Active bool
	Since  time.Time
}

// Config carries the monitor thresholds.
type Config struct {
	// IssueCountForCriticalState is how many issues inside IssueWindow flip
	// the monitor into critical state.
	IssueCountForCriticalState int
	// IssueWindow is the sliding window issues are counted over.
	IssueWindow time.Duration
	// CriticalStateWindow is the quiet period without issues required to
	// leave critical state.
	CriticalStateWindow time.Duration

	Clock  clock.Clock
	Logger pslog.Logger
}

const (
	maxRetainedIssues      = 512
	maxRetainedCorruptions = 256
)

// Monitor is the issue-window state machine.
type Monitor struct {
	cfg    Config
	clk    clock.Clock
	logger pslog.Logger

	issueSignal      *notify.Signal[Issue]
	corruptionSignal *notify.Signal[Corruption]
	criticalSignal   *notify.Signal[CriticalState]

	mu          sync.Mutex
	issues      []Issue
	corruptions []Corruption
	critical    bool
	since       time.Time
	lastIssueAt time.Time
}

// New builds a Monitor. Zero thresholds disable the critical state entirely;
// issues and corruptions are still recorded and signaled.
func New(cfg Config) *Monitor {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	return &Monitor{
		cfg:              cfg,
		clk:              clk,
		logger:           loggingutil.WithSubsystem(cfg.Logger, "health"),
		issueSignal:      notify.NewSignal[Issue](),
		corruptionSignal: notify.NewSignal[Corruption](),
		criticalSignal:   notify.NewSignal[CriticalState](),
	}
}

// IssueSignal broadcasts every reported issue.
func (m *Monitor) IssueSignal() *notify.Signal[Issue] { return m.issueSignal }

// CorruptionSignal broadcasts every reported corruption.
func (m *Monitor) CorruptionSignal() *notify.Signal[Corruption] { return m.corruptionSignal }

// CriticalSignal broadcasts critical state transitions.
func (m *Monitor) CriticalSignal() *notify.Signal[CriticalState] { return m.criticalSignal }

// ReportIssue records a failed remote operation and re-evaluates the window.
func (m *Monitor) ReportIssue(store, key, op, detail string) {
	now := m.clk.Now()
	issue := Issue{Store: store, Key: key, Op: op, Detail: detail, At: now}

	m.mu.Lock()
	m.lastIssueAt = now
	m.issues = append(m.issues, issue)
	m.prune(now)
	count := len(m.issues)
	entered := false
	if !m.critical && m.cfg.IssueCountForCriticalState > 0 && count >= m.cfg.IssueCountForCriticalState {
		m.critical = true
		m.since = now
		entered = true
	}
	m.mu.Unlock()

	m.logger.Debug("health.issue",
		"store", store,
		"key", key,
		"op", op,
		"detail", detail,
		"recent_issues", count,
	)
	m.issueSignal.Notify(issue)
	if entered {
		m.logger.Warn("health.critical.entered",
			"recent_issues", count,
			"issue_window", m.cfg.IssueWindow,
		)
		m.criticalSignal.Notify(CriticalState{Active: true, Since: now})
	}
}

// ReportCorruption records an undecodable record. Corruptions are advisory and
// do not count toward the critical window.
func (m *Monitor) ReportCorruption(store, key, detail string) {
	now := m.clk.Now()
	corruption := Corruption{Store: store, Key: key, Detail: detail, At: now}

	m.mu.Lock()
	m.corruptions = append(m.corruptions, corruption)
	if len(m.corruptions) > maxRetainedCorruptions {
		m.corruptions = m.corruptions[len(m.corruptions)-maxRetainedCorruptions:]
	}
	m.mu.Unlock()

	m.logger.Error("health.corruption", "store", store, "key", key, "detail", detail)
	m.corruptionSignal.Notify(corruption)
}

// Tick prunes the window and evaluates recovery. Call it from a periodic loop.
func (m *Monitor) Tick() {
	now := m.clk.Now()

	m.mu.Lock()
	m.prune(now)
	recovered := false
	var quiet time.Duration
	if m.critical && m.cfg.CriticalStateWindow > 0 {
		quiet = now.Sub(m.lastIssueAt)
		if quiet >= m.cfg.CriticalStateWindow {
			m.critical = false
			m.since = now
			recovered = true
		}
	}
	m.mu.Unlock()

	if recovered {
		m.logger.Info("health.critical.recovered", "quiet", quiet)
		m.criticalSignal.Notify(CriticalState{Active: false, Since: now})
	}
}

// InCriticalState reports whether the monitor currently flags critical.
func (m *Monitor) InCriticalState() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.critical
}

// Issues returns a copy of the issues still inside the window.
func (m *Monitor) Issues() []Issue {
	now := m.clk.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prune(now)
	out := make([]Issue, len(m.issues))
	copy(out, m.issues)
	return out
}

// Corruptions returns a copy of the recorded corruptions.
func (m *Monitor) Corruptions() []Corruption {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Corruption, len(m.corruptions))
	copy(out, m.corruptions)
	return out
}

// prune drops issues older than the window. Callers hold m.mu.
func (m *Monitor) prune(now time.Time) {
	if m.cfg.IssueWindow <= 0 {
		return
	}
	cutoff := now.Add(-m.cfg.IssueWindow)
	kept := m.issues[:0]
	for _, issue := range m.issues {
		if issue.At.After(cutoff) {
			kept = append(kept, issue)
		}
	}
	m.issues = kept
	if len(m.issues) > maxRetainedIssues {
		m.issues = m.issues[len(m.issues)-maxRetainedIssues:]
	}
}
