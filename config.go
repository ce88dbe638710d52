package profiled

import (
	"fmt"
	"os"
	"strings"
	"time"

	"pkt.systems/pslog"
)

const (
	// DefaultAutoSaveInterval is how often each active lease is persisted.
	DefaultAutoSaveInterval = 30 * time.Second
	// DefaultRemoteWriteCooldown is the minimum spacing between remote writes
	// for one key, matching the store's per-key rate limit.
	DefaultRemoteWriteCooldown = 7 * time.Second
	// DefaultForceLoadMaxSteps is the claim-attempt budget before a takeover
	// force-writes the lease.
	DefaultForceLoadMaxSteps = 8
	// DefaultDeadLockAssumedAfter is how stale a lease's last update must be
	// before the lock is presumed dead and claimable.
	DefaultDeadLockAssumedAfter = 90 * time.Second
	// DefaultTickInterval drives auto-save rotation, force-load polling and
	// queue sweeps.
	DefaultTickInterval = time.Second
	// DefaultIssueCountForCriticalState is the windowed issue count that trips
	// critical state.
	DefaultIssueCountForCriticalState = 5
	// DefaultIssueWindow is how long a reported issue stays countable.
	DefaultIssueWindow = 120 * time.Second
	// DefaultCriticalStateWindow is the quiet period required to leave
	// critical state.
	DefaultCriticalStateWindow = 60 * time.Second
	// DefaultRetryMaxAttempts caps transient-error retries per store call.
	DefaultRetryMaxAttempts = 6
	// DefaultRetryBaseDelay is the first retry backoff.
	DefaultRetryBaseDelay = 100 * time.Millisecond
	// DefaultRetryMaxDelay caps the exponential backoff.
	DefaultRetryMaxDelay = 5 * time.Second
	// DefaultRetryMultiplier is the exponential backoff ratio.
	DefaultRetryMultiplier = 2.0
	// DefaultStoreURL selects the in-memory backend.
	DefaultStoreURL = "mem://"
	// DefaultConfigFileName is the config file searched for when --config is
	// omitted.
	DefaultConfigFileName = "config.yaml"
)

// Config drives Open. The zero value is usable: every field falls back to its
// default, yielding an in-memory store with no telemetry.
type Config struct {
	// StoreURL is the backend DSN (mem://, disk:///path, s3://host/bucket,
	// aws://bucket?region=..., azure://account/container). Empty selects
	// mem://.
	StoreURL string
	// KeyFile points at a PEM key store holding the kryptograf root key and
	// record descriptor; set it to encrypt records at rest.
	KeyFile string
	// Snappy compresses record plaintext inside the encryption envelope.
	Snappy bool

	// AutoSaveInterval is the target persistence period per active lease.
	AutoSaveInterval time.Duration
	// RemoteWriteCooldown spaces consecutive remote writes per key.
	RemoteWriteCooldown time.Duration
	// ForceLoadMaxSteps is the takeover claim-attempt budget.
	ForceLoadMaxSteps int
	// DeadLockAssumedAfter is the lease staleness threshold for adoption.
	DeadLockAssumedAfter time.Duration
	// TickInterval is the scheduler cadence.
	TickInterval time.Duration

	// IssueCountForCriticalState trips critical state when reached within
	// IssueWindow.
	IssueCountForCriticalState int
	// IssueWindow bounds how long issues are counted.
	IssueWindow time.Duration
	// CriticalStateWindow is the quiet period that clears critical state.
	CriticalStateWindow time.Duration

	// RetryMaxAttempts caps attempts per remote call.
	RetryMaxAttempts int
	// RetryBaseDelay is the initial backoff between attempts.
	RetryBaseDelay time.Duration
	// RetryMaxDelay caps backoff growth.
	RetryMaxDelay time.Duration
	// RetryMultiplier is the backoff growth factor.
	RetryMultiplier float64

	// ProcessID overrides the host-derived half of the session identity.
	ProcessID string
	// Logger is used as-is when set; otherwise a logger is built from
	// LogLevel and LogMode.
	Logger pslog.Logger
	// LogLevel is the minimum level for the built logger (trace, debug, info,
	// warn, error). Empty means info.
	LogLevel string
	// LogMode selects "console" or "structured" output. Empty means
	// structured.
	LogMode string

	// OTLPEndpoint enables trace export (grpc://, grpcs://, http://,
	// https://, or bare host[:port] for insecure gRPC).
	OTLPEndpoint string
	// MetricsListen is the Prometheus scrape endpoint; empty disables it.
	MetricsListen string
	// PprofListen is the pprof debug endpoint; empty disables it.
	PprofListen string
	// EnableProfilingMetrics adds Go runtime metrics to the metrics endpoint.
	EnableProfilingMetrics bool
}

// Validate applies defaults and sanity-checks the configuration in place.
// Invalid values return an InvalidConfiguration failure.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.StoreURL) == "" {
		c.StoreURL = DefaultStoreURL
	}
	if c.AutoSaveInterval == 0 {
		c.AutoSaveInterval = DefaultAutoSaveInterval
	} else if c.AutoSaveInterval < 0 {
		return newFailure(InvalidConfiguration, "", "", "auto-save interval must be positive")
	}
	if c.RemoteWriteCooldown == 0 {
		c.RemoteWriteCooldown = DefaultRemoteWriteCooldown
	} else if c.RemoteWriteCooldown < 0 {
		return newFailure(InvalidConfiguration, "", "", "remote write cooldown must be positive")
	}
	if c.ForceLoadMaxSteps == 0 {
		c.ForceLoadMaxSteps = DefaultForceLoadMaxSteps
	} else if c.ForceLoadMaxSteps < 0 {
		return newFailure(InvalidConfiguration, "", "", "force-load step budget must be at least 1")
	}
	if c.DeadLockAssumedAfter == 0 {
		c.DeadLockAssumedAfter = DefaultDeadLockAssumedAfter
	} else if c.DeadLockAssumedAfter < 0 {
		return newFailure(InvalidConfiguration, "", "", "dead-lock threshold must be positive")
	}
	if c.TickInterval == 0 {
		c.TickInterval = DefaultTickInterval
	} else if c.TickInterval < 0 {
		return newFailure(InvalidConfiguration, "", "", "tick interval must be positive")
	}
	if c.DeadLockAssumedAfter <= c.AutoSaveInterval {
		return newFailure(InvalidConfiguration, "", "",
			"dead-lock threshold must exceed the auto-save interval or live leases would be adopted")
	}
	if c.IssueCountForCriticalState == 0 {
		c.IssueCountForCriticalState = DefaultIssueCountForCriticalState
	} else if c.IssueCountForCriticalState < 0 {
		return newFailure(InvalidConfiguration, "", "", "issue count for critical state must be at least 1")
	}
	if c.IssueWindow == 0 {
		c.IssueWindow = DefaultIssueWindow
	} else if c.IssueWindow < 0 {
		return newFailure(InvalidConfiguration, "", "", "issue window must be positive")
	}
	if c.CriticalStateWindow == 0 {
		c.CriticalStateWindow = DefaultCriticalStateWindow
	} else if c.CriticalStateWindow < 0 {
		return newFailure(InvalidConfiguration, "", "", "critical state window must be positive")
	}
	if c.RetryMaxAttempts == 0 {
		c.RetryMaxAttempts = DefaultRetryMaxAttempts
	} else if c.RetryMaxAttempts < 0 {
		return newFailure(InvalidConfiguration, "", "", "retry attempts must be at least 1")
	}
	if c.RetryBaseDelay == 0 {
		c.RetryBaseDelay = DefaultRetryBaseDelay
	} else if c.RetryBaseDelay < 0 {
		return newFailure(InvalidConfiguration, "", "", "retry base delay must be positive")
	}
	if c.RetryMaxDelay == 0 {
		c.RetryMaxDelay = DefaultRetryMaxDelay
	} else if c.RetryMaxDelay < 0 {
		return newFailure(InvalidConfiguration, "", "", "retry max delay must be positive")
	}
	if c.RetryMaxDelay < c.RetryBaseDelay {
		return newFailure(InvalidConfiguration, "", "", "retry max delay must be >= base delay")
	}
	if c.RetryMultiplier == 0 {
		c.RetryMultiplier = DefaultRetryMultiplier
	} else if c.RetryMultiplier < 1 {
		return newFailure(InvalidConfiguration, "", "", "retry multiplier must be >= 1")
	}
	if c.ProcessID == "" {
		c.ProcessID = defaultProcessID()
	}
	if c.LogLevel != "" {
		if _, ok := pslog.ParseLevel(c.LogLevel); !ok {
			return newFailure(InvalidConfiguration, "", "", fmt.Sprintf("unknown log level %q", c.LogLevel))
		}
	}
	switch strings.ToLower(strings.TrimSpace(c.LogMode)) {
	case "", "structured", "console":
	default:
		return newFailure(InvalidConfiguration, "", "", fmt.Sprintf("unknown log mode %q (options: structured, console)", c.LogMode))
	}
	if c.EnableProfilingMetrics && strings.TrimSpace(c.MetricsListen) == "" {
		return newFailure(InvalidConfiguration, "", "", "profiling metrics require a metrics listen address")
	}
	return nil
}

// EncryptionEnabled reports whether records are encrypted at rest.
func (c Config) EncryptionEnabled() bool {
	return strings.TrimSpace(c.KeyFile) != ""
}

func defaultProcessID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown-host"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

func (c Config) buildLogger() (pslog.Logger, error) {
	if c.Logger != nil {
		return c.Logger, nil
	}
	level := pslog.InfoLevel
	if c.LogLevel != "" {
		parsed, ok := pslog.ParseLevel(c.LogLevel)
		if !ok {
			return nil, newFailure(InvalidConfiguration, "", "", fmt.Sprintf("unknown log level %q", c.LogLevel))
		}
		level = parsed
	}
	mode := pslog.ModeStructured
	if strings.EqualFold(strings.TrimSpace(c.LogMode), "console") {
		mode = pslog.ModeConsole
	}
	return pslog.NewWithOptions(os.Stderr, pslog.Options{Mode: mode, MinLevel: level}), nil
}
