package nlm

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/btree"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/marmos91/nlockd/internal/logger"
	"github.com/marmos91/nlockd/pkg/config"
	"github.com/marmos91/nlockd/pkg/flock"
	"github.com/marmos91/nlockd/pkg/nsm"
	"github.com/marmos91/nlockd/pkg/vfs"
)

// RunStatus is the lifecycle state of a Globals instance.
type RunStatus int32

const (
	RunStarting RunStatus = iota
	RunUp
	RunStopping
	RunDown
)

// String returns a human-readable name for the run status.
func (s RunStatus) String() string {
	switch s {
	case RunStarting:
		return "starting"
	case RunUp:
		return "up"
	case RunStopping:
		return "stopping"
	case RunDown:
		return "down"
	default:
		return "unknown"
	}
}

// SMClient is the slice of the status-monitor client the engine needs.
// *nsm.Client satisfies it.
type SMClient interface {
	SimuCrash(ctx context.Context) error
	Stat(ctx context.Context) (int32, error)
	Mon(ctx context.Context, hostname string, priv [nsm.PrivSize]byte) error
	Unmon(ctx context.Context, hostname string) error
	UnmonAll(ctx context.Context) error
}

// ReclaimFunc drives reclamation of our outstanding client-side locks
// on a rebooted peer. Best-effort: it signals completion by returning.
type ReclaimFunc func(ctx context.Context, g *Globals, h *Host)

// Globals is the per-domain instance owning all lock-manager state:
// the host registry, the idle LRU, the client-side sleeping-lock list,
// the grace window, and the garbage collector.
//
// Lock ordering, acquired strictly left to right:
//
//	sysid RW-lock  <  zone mutex (mu)  <  host mutex  <  SM mutex
type Globals struct {
	// sysidLock guards this instance's sysid bitmap.
	sysidLock sync.RWMutex
	sysids    *sysIDAllocator

	// mu is the zone mutex: registry indexes, idle LRU, sleeping
	// locks, grace deadline and run status.
	mu            sync.Mutex
	hostsTree     *btree.BTreeG[*Host]
	hostsBySysID  map[int32]*Host
	idle          *list.List
	slocks        *list.List
	graceDeadline time.Time
	runStatus     RunStatus
	nsmState      int32
	gcStarted     bool

	// Immutable after New.
	cfg      config.LockConfig
	nodeName string
	flk      flock.Manager
	resolver vfs.Resolver
	sm       SMClient
	reclaim  ReclaimFunc
	granted  GrantCaller
	metrics  *Metrics

	gcKick    chan struct{}
	stopCh    chan struct{}
	gcDone    chan struct{}
	reclaimWG sync.WaitGroup

	// baseCtx parents background work (blocked-lock waiters, back-call
	// goroutines); cancelled at shutdown.
	baseCtx    context.Context
	baseCancel context.CancelFunc

	// blockedWG tracks worker goroutines reserved for blocked locks.
	blockedWG sync.WaitGroup
}

// Option customizes a Globals instance.
type Option func(*Globals)

// WithRegisterer attaches metrics to the given Prometheus registerer.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(g *Globals) { g.metrics = NewMetrics(reg) }
}

// WithReclaimFunc installs the client-side reclaim collaborator.
func WithReclaimFunc(f ReclaimFunc) Option {
	return func(g *Globals) { g.reclaim = f }
}

// WithGrantCaller installs the transport used for GRANTED back-calls.
func WithGrantCaller(gc GrantCaller) Option {
	return func(g *Globals) { g.granted = gc }
}

// New creates a Globals instance. Start must be called before serving.
func New(cfg *config.Config, flk flock.Manager, resolver vfs.Resolver, sm SMClient, opts ...Option) *Globals {
	g := &Globals{
		sysids:       newSysIDAllocator(),
		hostsTree:    btree.NewG[*Host](8, hostLess),
		hostsBySysID: make(map[int32]*Host),
		idle:         list.New(),
		slocks:       list.New(),
		runStatus:    RunStarting,
		cfg:          cfg.Lock,
		nodeName:     cfg.NodeName,
		flk:          flk,
		resolver:     resolver,
		sm:           sm,
		gcKick:       make(chan struct{}, 1),
		stopCh:       make(chan struct{}),
		gcDone:       make(chan struct{}),
	}
	g.baseCtx, g.baseCancel = context.WithCancel(context.Background())
	for _, opt := range opts {
		opt(g)
	}
	if g.metrics == nil {
		g.metrics = NewMetrics(prometheus.NewRegistry())
	}
	if g.granted == nil {
		g.granted = newRPCGrantCaller(onrpcTimeout)
	}
	return g
}

// Start performs the SM handshake, opens the grace window, and launches
// the garbage collector.
//
// The SIMU_CRASH tells statd we restarted so it re-monitors us and
// notifies our peers; the fetched state counter becomes the incarnation
// number passed back to peers.
func (g *Globals) Start(ctx context.Context) error {
	if err := g.sm.SimuCrash(ctx); err != nil {
		return fmt.Errorf("nlm startup: %w", err)
	}
	state, err := g.sm.Stat(ctx)
	if err != nil {
		return fmt.Errorf("nlm startup: %w", err)
	}

	g.mu.Lock()
	g.nsmState = state
	g.graceDeadline = time.Now().Add(g.cfg.GracePeriod)
	g.runStatus = RunUp
	g.gcStarted = true
	g.mu.Unlock()

	g.metrics.GraceActive.Set(1)
	logger.Info("lock manager up",
		"nsm_state", state, "grace_period", g.cfg.GracePeriod)

	go g.gcLoop()
	return nil
}

// NodeName returns the name this instance reports to peers. Reclaim
// implementations use it as the caller name of re-asserted locks.
func (g *Globals) NodeName() string {
	return g.nodeName
}

// NSMState returns our own state counter fetched at startup.
func (g *Globals) NSMState() int32 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.nsmState
}

// RunState returns the current lifecycle state.
func (g *Globals) RunState() RunStatus {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.runStatus
}

// InGrace reports whether the grace window is still open.
func (g *Globals) InGrace() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	in := time.Now().Before(g.graceDeadline)
	if !in {
		g.metrics.GraceActive.Set(0)
	}
	return in
}

// ScheduleGC wakes the garbage collector ahead of its timer. Wired to
// memory-pressure hooks and to tests.
func (g *Globals) ScheduleGC() {
	select {
	case g.gcKick <- struct{}{}:
	default:
	}
}

// Shutdown stops the engine: refuses new hosts, joins the GC and the
// reclaimers, runs cleanup for every registered host, drains the
// registry, and finally deregisters from statd.
func (g *Globals) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	if g.runStatus != RunUp && g.runStatus != RunStarting {
		g.mu.Unlock()
		return fmt.Errorf("nlm shutdown: not running (%s)", g.runStatus)
	}
	g.runStatus = RunStopping
	gcStarted := g.gcStarted
	g.mu.Unlock()

	close(g.stopCh)
	g.baseCancel()
	if gcStarted {
		<-g.gcDone
	}
	g.reclaimWG.Wait()
	g.blockedWG.Wait()

	// Run crash cleanup with state 0 for every registered host:
	// drop its locks and shares without disturbing the recorded state.
	for _, h := range g.snapshotHosts() {
		g.hostNotifyServer(h, 0)
		g.cancelSlocksForHost(h)
	}

	// Drain the registry. Hosts still referenced by in-flight handlers
	// are skipped and retried with backoff.
	backoff := 10 * time.Millisecond
	for attempt := 0; attempt < 50; attempt++ {
		if g.drainIdleHosts(ctx) {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < time.Second {
			backoff *= 2
		}
	}

	if err := g.sm.UnmonAll(ctx); err != nil {
		logger.Warn("SM_UNMON_ALL failed during shutdown", "error", err)
	}

	g.mu.Lock()
	g.runStatus = RunDown
	g.mu.Unlock()

	logger.Info("lock manager down")
	return nil
}

// snapshotHosts returns every registered host.
func (g *Globals) snapshotHosts() []*Host {
	g.mu.Lock()
	defer g.mu.Unlock()

	hosts := make([]*Host, 0, g.hostsTree.Len())
	g.hostsTree.Ascend(func(h *Host) bool {
		hosts = append(hosts, h)
		return true
	})
	return hosts
}

// drainIdleHosts destroys every host at zero refs, reporting whether
// the registry is now empty.
func (g *Globals) drainIdleHosts(ctx context.Context) bool {
	var victims []*Host
	g.mu.Lock()
	g.hostsTree.Ascend(func(h *Host) bool {
		h.mu.Lock()
		if h.refs == 0 {
			victims = append(victims, h)
		}
		h.mu.Unlock()
		return true
	})
	for _, h := range victims {
		g.unregisterHostLocked(h)
	}
	empty := g.hostsTree.Len() == 0
	g.mu.Unlock()

	for _, h := range victims {
		g.unmonitorHost(ctx, h)
		g.destroyHost(h)
	}
	return empty
}

// HostCount returns the number of registered hosts.
func (g *Globals) HostCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.hostsTree.Len()
}

// IdleHostCount returns the number of hosts on the idle LRU.
func (g *Globals) IdleHostCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.idle.Len()
}
