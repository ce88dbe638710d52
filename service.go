package profiled

import (
	"context"
	"errors"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/profiled/internal/clock"
	"pkt.systems/profiled/internal/gateway"
	"pkt.systems/profiled/internal/health"
	"pkt.systems/profiled/internal/loggingutil"
	"pkt.systems/profiled/internal/storage"
	storagelogging "pkt.systems/profiled/internal/storage/logging"
	"pkt.systems/profiled/internal/storage/retry"
	"pkt.systems/profiled/internal/uuidv7"
	"pkt.systems/profiled/internal/writequeue"
	"pkt.systems/profiled/notify"
)

// ErrServiceClosed is returned by operations issued after Close has begun.
var ErrServiceClosed = errors.New("profiled: service closed")

// Session identifies one lease holder: a host-scoped process identity plus a
// job identity minted per Service instance.
type Session struct {
	ProcessID string
	JobID     string
}

// String renders the session as process/job.
func (s Session) String() string {
	return s.ProcessID + "/" + s.JobID
}

// Issue is one reported remote-store failure.
type Issue struct {
	Store  string
	Key    string
	Op     string
	Detail string
	At     time.Time
}

// Corruption is one undecodable-record report.
type Corruption struct {
	Store  string
	Key    string
	Detail string
	At     time.Time
}

// CriticalState is a health transition: Active true on entry, false on
// recovery.
type CriticalState struct {
	Active bool
	Since  time.Time
}

// Service owns the connection to one record store: the session identity, the
// per-key write queue, the health monitor and the auto-save scheduler.
// A process typically holds one Service for its lifetime.
type Service struct {
	cfg       Config
	logger    pslog.Logger
	session   storage.Session
	backend   storage.Backend
	crypto    *storage.Crypto
	queue     *writequeue.Queue
	monitor   *health.Monitor
	gateway   *gateway.Gateway
	clk       clock.Clock
	telemetry *telemetryBundle
	metrics   *serviceMetrics

	issueSignal      *notify.Signal[Issue]
	corruptionSignal *notify.Signal[Corruption]
	criticalSignal   *notify.Signal[CriticalState]

	mu       sync.Mutex
	byKey    map[string]*Profile
	leases   []*Profile
	cursor   int
	saveDebt float64
	closed   bool

	baseCtx    context.Context
	baseCancel context.CancelFunc
	tickDone   chan struct{}
}

// Open validates cfg, connects the configured backend and starts the
// scheduler. Close must be called to release held leases and drain writes.
func Open(ctx context.Context, cfg Config) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger, err := cfg.buildLogger()
	if err != nil {
		return nil, err
	}
	logger = logger.With("app", "profiled")
	telemetry, err := setupTelemetry(ctx, cfg.OTLPEndpoint, cfg.MetricsListen, cfg.PprofListen, cfg.EnableProfilingMetrics, logger)
	if err != nil {
		return nil, err
	}
	crypto, err := openCrypto(cfg)
	if err != nil {
		if telemetry != nil {
			_ = telemetry.Shutdown(ctx)
		}
		return nil, err
	}
	backend, err := openBackend(cfg)
	if err != nil {
		if telemetry != nil {
			_ = telemetry.Shutdown(ctx)
		}
		return nil, err
	}
	return newService(cfg, logger, backend, crypto, telemetry, clock.Real{}), nil
}

// newService wires an already-validated configuration. The backend arrives
// raw; decoration happens here so tests share the production stack.
func newService(cfg Config, logger pslog.Logger, backend storage.Backend, crypto *storage.Crypto, telemetry *telemetryBundle, clk clock.Clock) *Service {
	logger = loggingutil.EnsureLogger(logger)
	if clk == nil {
		clk = clock.Real{}
	}
	decorated := storagelogging.Wrap(backend, logger, backendName(cfg.StoreURL))
	decorated = retry.Wrap(decorated, loggingutil.WithSubsystem(logger, "storage.retry"), clk, retry.Config{
		MaxAttempts: cfg.RetryMaxAttempts,
		BaseDelay:   cfg.RetryBaseDelay,
		MaxDelay:    cfg.RetryMaxDelay,
		Multiplier:  cfg.RetryMultiplier,
	})
	queue := writequeue.New(writequeue.Config{
		Cooldown: cfg.RemoteWriteCooldown,
		Logger:   logger,
		Clock:    clk,
	})
	monitor := health.New(health.Config{
		IssueCountForCriticalState: cfg.IssueCountForCriticalState,
		IssueWindow:                cfg.IssueWindow,
		CriticalStateWindow:        cfg.CriticalStateWindow,
		Clock:                      clk,
		Logger:                     logger,
	})
	gw := gateway.New(gateway.Config{
		Backend: decorated,
		Crypto:  crypto,
		Queue:   queue,
		Health:  monitor,
		Logger:  logger,
	})

	baseCtx, baseCancel := context.WithCancel(context.Background())
	s := &Service{
		cfg:     cfg,
		logger:  loggingutil.WithSubsystem(logger, "service"),
		session: storage.Session{ProcessID: cfg.ProcessID, JobID: uuidv7.NewString()},
		backend: decorated,
		crypto:  crypto,
		queue:   queue,
		monitor: monitor,
		gateway: gw,
		clk:     clk,

		telemetry: telemetry,

		issueSignal:      notify.NewSignal[Issue](),
		corruptionSignal: notify.NewSignal[Corruption](),
		criticalSignal:   notify.NewSignal[CriticalState](),

		byKey: make(map[string]*Profile),

		baseCtx:    baseCtx,
		baseCancel: baseCancel,
		tickDone:   make(chan struct{}),
	}
	s.metrics = newServiceMetrics(s, s.logger)

	// Republish monitor signals under the public types.
	monitor.IssueSignal().Subscribe(func(in health.Issue) {
		s.issueSignal.Notify(Issue(in))
	})
	monitor.CorruptionSignal().Subscribe(func(in health.Corruption) {
		s.corruptionSignal.Notify(Corruption(in))
	})
	monitor.CriticalSignal().Subscribe(func(in health.CriticalState) {
		s.criticalSignal.Notify(CriticalState(in))
	})

	go s.runTicks(baseCtx)
	s.logger.Info("profiled.open",
		"store_url", cfg.StoreURL,
		"session", s.session.String(),
		"encryption", crypto.Enabled(),
	)
	return s
}

// Session returns this service's lease-holder identity.
func (s *Service) Session() Session {
	return Session{ProcessID: s.session.ProcessID, JobID: s.session.JobID}
}

// IssueSignal broadcasts every remote-store failure report.
func (s *Service) IssueSignal() *notify.Signal[Issue] { return s.issueSignal }

// CorruptionSignal broadcasts undecodable-record reports.
func (s *Service) CorruptionSignal() *notify.Signal[Corruption] { return s.corruptionSignal }

// CriticalSignal broadcasts critical-state transitions.
func (s *Service) CriticalSignal() *notify.Signal[CriticalState] { return s.criticalSignal }

// InCriticalState reports whether clustered store failures currently flag the
// service critical. Advisory; operations keep running either way.
func (s *Service) InCriticalState() bool {
	return s.monitor.InCriticalState()
}

// Issues returns the remote-store failures still inside the issue window,
// oldest first.
func (s *Service) Issues() []Issue {
	raw := s.monitor.Issues()
	out := make([]Issue, len(raw))
	for i, issue := range raw {
		out[i] = Issue(issue)
	}
	return out
}

// Corruptions returns the undecodable-record reports still inside the issue
// window, oldest first.
func (s *Service) Corruptions() []Corruption {
	raw := s.monitor.Corruptions()
	out := make([]Corruption, len(raw))
	for i, c := range raw {
		out[i] = Corruption(c)
	}
	return out
}

// ActiveProfiles returns the number of leases this process currently holds.
func (s *Service) ActiveProfiles() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.leases)
}

// StoreConfig names a remote store and its default payload template.
type StoreConfig struct {
	// Name is the remote collection the store's keys live in.
	Name string
	// Template seeds new records and fills absent fields on every claim.
	// Deep-copied; later mutation has no effect.
	Template map[string]any
}

// Store returns a handle to one named record store.
func (s *Service) Store(cfg StoreConfig) (*ProfileStore, error) {
	if err := storage.ValidateStore(cfg.Name); err != nil {
		return nil, newFailure(InvalidConfiguration, cfg.Name, "", err.Error())
	}
	var template map[string]any
	if cfg.Template != nil {
		template = cloneTemplateValue(cfg.Template).(map[string]any)
	}
	return &ProfileStore{
		svc:      s,
		name:     cfg.Name,
		template: template,
		logger:   loggingutil.WithSubsystem(s.logger, "store").With("store", cfg.Name),
	}, nil
}

// Close releases every held lease with a final save, drains the write queue
// and shuts the backend and telemetry down. ctx bounds the whole shutdown.
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	held := make([]*Profile, len(s.leases))
	copy(held, s.leases)
	s.mu.Unlock()

	s.baseCancel()
	<-s.tickDone

	var wg sync.WaitGroup
	for _, p := range held {
		wg.Add(1)
		go func(p *Profile) {
			defer wg.Done()
			if err := p.releaseWith(ctx, ReleasedShutdown); err != nil {
				s.logger.Warn("profiled.close.release_failed",
					"store", p.store.name, "key", p.key, "error", err)
			}
		}(p)
	}
	wg.Wait()

	var errs []error
	if err := s.queue.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := s.backend.Close(); err != nil {
		errs = append(errs, err)
	}
	if s.telemetry != nil {
		if err := s.telemetry.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	s.logger.Info("profiled.closed", "released", len(held))
	return errors.Join(errs...)
}

// reserve registers a claim-in-progress so no second local claim races the
// same key. The returned profile is inert until activated.
func (s *Service) reserve(ps *ProfileStore, key string) (*Profile, error) {
	object := ps.name + "/" + key
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrServiceClosed
	}
	if _, taken := s.byKey[object]; taken {
		return nil, &Failure{
			Code:   SessionLocked,
			Store:  ps.name,
			Key:    key,
			Detail: "already claimed by this process",
		}
	}
	p := newProfile(ps, key)
	s.byKey[object] = p
	return p, nil
}

// registerLease moves a freshly claimed profile into the auto-save rotation.
// It fails when Close has begun; the caller must then release the remote
// lease it just took.
func (s *Service) registerLease(p *Profile) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		delete(s.byKey, p.object())
		return false
	}
	s.leases = append(s.leases, p)
	return true
}

// dropLease removes a profile from the rotation and the local key index.
func (s *Service) dropLease(p *Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byKey, p.object())
	for i, held := range s.leases {
		if held == p {
			s.leases = append(s.leases[:i], s.leases[i+1:]...)
			if i < s.cursor {
				s.cursor--
			}
			break
		}
	}
}

func backendName(storeURL string) string {
	for i := 0; i < len(storeURL); i++ {
		if storeURL[i] == ':' {
			return storeURL[:i]
		}
	}
	return "mem"
}

func fromStorageSession(in *storage.Session) *Session {
	if in == nil {
		return nil
	}
	return &Session{ProcessID: in.ProcessID, JobID: in.JobID}
}
