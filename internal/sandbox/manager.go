package sandbox

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/skeinhq/skein/pkg/schema"
)

// Lease states for a pooled sandbox.
const (
	StateFree      = "free"
	StateLeased    = "leased"
	StateDraining  = "draining"
	StateDestroyed = "destroyed"
)

const (
	DefaultPoolSize    = 4
	DefaultIdleTimeout = 5 * time.Minute
)

// Sandbox is a leasable execution environment bound to one runtime and a
// resolved dependency set. All state fields are guarded by the owning
// Manager's mutex.
type Sandbox struct {
	ID         string
	Key        string
	RunID      string
	Runtime    schema.RuntimeSpec
	Deps       []schema.PackageDep
	Dir        string // workspace root; node code runs under Dir/work
	RuntimeBin string
	Installs   []InstallResult

	state     string
	lastUsed  time.Time
	execCount int64
}

// WorkDir returns the directory node code executes in.
func (s *Sandbox) WorkDir() string {
	return s.Dir + "/work"
}

// Config controls pool behavior. Zero fields take documented defaults.
type Config struct {
	BaseDir        string
	PoolSize       int           // max live sandboxes per pool key
	IdleTimeout    time.Duration // free sandboxes idle past this are reclaimed
	InstallTimeout time.Duration
	PolicyRules    []string // CEL install policy, empty allows all
}

// Manager owns all sandbox pools. One pool exists per (run, runtime,
// dependency-set) key; concurrency across nodes sharing a key is achieved by
// provisioning additional instances up to PoolSize, never by concurrent use
// of one instance.
type Manager struct {
	cfg    Config
	prov   *Provisioner
	logger *slog.Logger

	// Notify, when set, observes provision/destroy transitions.
	Notify func(event, sandboxID, runID string)

	mu       sync.Mutex
	pools    map[string][]*Sandbox
	released chan struct{}
	closed   bool
}

// NewManager creates a Manager with the given config.
func NewManager(cfg Config, logger *slog.Logger) (*Manager, error) {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultPoolSize
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.BaseDir == "" {
		cfg.BaseDir = os.TempDir() + "/skein-sandboxes"
	}
	if logger == nil {
		logger = slog.Default()
	}

	var policy *InstallPolicy
	if len(cfg.PolicyRules) > 0 {
		var err error
		policy, err = NewInstallPolicy(cfg.PolicyRules)
		if err != nil {
			return nil, err
		}
	}

	return &Manager{
		cfg:      cfg,
		prov:     NewProvisioner(cfg.BaseDir, policy, cfg.InstallTimeout, logger),
		logger:   logger,
		pools:    make(map[string][]*Sandbox),
		released: make(chan struct{}, 1),
	}, nil
}

// Acquire leases a sandbox matching the key, reusing a free instance when one
// exists, provisioning a new one while the pool is under its size cap, and
// otherwise blocking until an instance is released or ctx ends.
func (m *Manager) Acquire(ctx context.Context, runID string, spec schema.RuntimeSpec, deps []schema.PackageDep) (*Sandbox, error) {
	key := PoolKey(runID, spec, deps)

	for {
		if err := ctx.Err(); err != nil {
			return nil, schema.NewError(schema.ErrCodeCancelled, "sandbox acquisition cancelled").WithCause(err)
		}

		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, schema.NewError(schema.ErrCodeSandboxFault, "sandbox manager is shut down")
		}

		if sb := m.takeFree(key); sb != nil {
			m.mu.Unlock()
			return sb, nil
		}

		if m.liveCount(key) < m.cfg.PoolSize {
			// Reserve the slot before provisioning so concurrent acquirers
			// cannot overshoot the pool cap.
			sb := &Sandbox{
				ID:      uuid.New().String(),
				Key:     key,
				RunID:   runID,
				Runtime: spec,
				Deps:    deps,
				state:   StateLeased,
			}
			m.pools[key] = append(m.pools[key], sb)
			m.mu.Unlock()
			return m.provision(ctx, sb)
		}
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, schema.NewError(schema.ErrCodeCancelled, "sandbox acquisition cancelled").WithCause(ctx.Err())
		case <-m.released:
		}
	}
}

func (m *Manager) provision(ctx context.Context, sb *Sandbox) (*Sandbox, error) {
	dir, bin, installs, err := m.prov.Provision(ctx, sb.ID, sb.Runtime, sb.Deps)
	if err != nil {
		m.mu.Lock()
		m.removeLocked(sb)
		m.mu.Unlock()
		m.notifyReleased()
		return nil, err
	}

	m.mu.Lock()
	sb.Dir = dir
	sb.RuntimeBin = bin
	sb.Installs = installs
	sb.lastUsed = time.Now()
	m.mu.Unlock()

	m.logger.Info("sandbox provisioned",
		slog.String("sandbox_id", sb.ID),
		slog.String("runtime", sb.Runtime.String()),
		slog.Int("packages", len(installs)),
	)
	if m.Notify != nil {
		m.Notify(schema.EventSandboxProvisioned, sb.ID, sb.RunID)
	}
	return sb, nil
}

// Release returns a healthy sandbox to its pool. An unhealthy sandbox is
// drained and destroyed so no later lease can observe its state.
func (m *Manager) Release(sb *Sandbox, healthy bool) {
	m.mu.Lock()
	if sb.state == StateDestroyed {
		m.mu.Unlock()
		return
	}
	if healthy && sb.state == StateLeased {
		sb.state = StateFree
		sb.lastUsed = time.Now()
		sb.execCount++
		m.mu.Unlock()
		m.notifyReleased()
		return
	}
	sb.state = StateDraining
	m.mu.Unlock()
	m.destroy(sb)
}

// Destroy tears a sandbox down immediately regardless of lease state. Used
// when an environment fault makes the instance untrustworthy.
func (m *Manager) Destroy(sb *Sandbox) {
	m.mu.Lock()
	if sb.state == StateDestroyed {
		m.mu.Unlock()
		return
	}
	sb.state = StateDraining
	m.mu.Unlock()
	m.destroy(sb)
}

func (m *Manager) destroy(sb *Sandbox) {
	if sb.Dir != "" {
		_ = os.RemoveAll(sb.Dir)
	}

	m.mu.Lock()
	sb.state = StateDestroyed
	m.removeLocked(sb)
	m.mu.Unlock()
	m.notifyReleased()

	m.logger.Info("sandbox destroyed",
		slog.String("sandbox_id", sb.ID),
		slog.Int64("executions", sb.execCount),
	)
	if m.Notify != nil {
		m.Notify(schema.EventSandboxDestroyed, sb.ID, sb.RunID)
	}
}

// DestroyIdle reclaims free sandboxes idle past the configured threshold.
// Returns the number destroyed.
func (m *Manager) DestroyIdle() int {
	cutoff := time.Now().Add(-m.cfg.IdleTimeout)

	m.mu.Lock()
	var idle []*Sandbox
	for _, pool := range m.pools {
		for _, sb := range pool {
			if sb.state == StateFree && sb.lastUsed.Before(cutoff) {
				sb.state = StateDraining
				idle = append(idle, sb)
			}
		}
	}
	m.mu.Unlock()

	for _, sb := range idle {
		m.destroy(sb)
	}
	return len(idle)
}

// ReleaseRun destroys every sandbox belonging to a completed run. Leased
// instances are marked draining and reclaimed on Release.
func (m *Manager) ReleaseRun(runID string) {
	m.mu.Lock()
	var doomed []*Sandbox
	for _, pool := range m.pools {
		for _, sb := range pool {
			if sb.RunID != runID {
				continue
			}
			switch sb.state {
			case StateFree:
				sb.state = StateDraining
				doomed = append(doomed, sb)
			case StateLeased:
				sb.state = StateDraining
			}
		}
	}
	m.mu.Unlock()

	for _, sb := range doomed {
		m.destroy(sb)
	}
}

// StartReaper runs DestroyIdle on a ticker until ctx ends.
func (m *Manager) StartReaper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := m.DestroyIdle(); n > 0 {
					m.logger.Debug("sandbox reaper", slog.Int("reclaimed", n))
				}
			}
		}
	}()
}

// Shutdown destroys every sandbox and rejects further acquisitions.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.closed = true
	var all []*Sandbox
	for _, pool := range m.pools {
		for _, sb := range pool {
			if sb.state != StateDestroyed {
				sb.state = StateDraining
				all = append(all, sb)
			}
		}
	}
	m.mu.Unlock()

	for _, sb := range all {
		m.destroy(sb)
	}
}

// Stats reports live sandbox counts per lease state.
func (m *Manager) Stats() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := make(map[string]int)
	for _, pool := range m.pools {
		for _, sb := range pool {
			stats[sb.state]++
		}
	}
	return stats
}

// takeFree leases the first free sandbox under key. Caller holds m.mu.
func (m *Manager) takeFree(key string) *Sandbox {
	for _, sb := range m.pools[key] {
		if sb.state == StateFree {
			sb.state = StateLeased
			return sb
		}
	}
	return nil
}

// liveCount counts non-destroyed sandboxes under key. Caller holds m.mu.
func (m *Manager) liveCount(key string) int {
	n := 0
	for _, sb := range m.pools[key] {
		if sb.state != StateDestroyed {
			n++
		}
	}
	return n
}

// removeLocked drops sb from its pool. Caller holds m.mu.
func (m *Manager) removeLocked(sb *Sandbox) {
	pool := m.pools[sb.Key]
	for i, other := range pool {
		if other.ID == sb.ID {
			m.pools[sb.Key] = append(pool[:i], pool[i+1:]...)
			break
		}
	}
	if len(m.pools[sb.Key]) == 0 {
		delete(m.pools, sb.Key)
	}
}

// notifyReleased wakes one blocked acquirer without blocking the caller.
func (m *Manager) notifyReleased() {
	select {
	case m.released <- struct{}{}:
	default:
	}
}
