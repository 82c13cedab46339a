package nlm

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/marmos91/nlockd/pkg/config"
	"github.com/marmos91/nlockd/pkg/flock"
	"github.com/marmos91/nlockd/pkg/nsm"
	"github.com/marmos91/nlockd/pkg/vfs"
)

// fakeSM is an in-memory status monitor recording every call.
type fakeSM struct {
	mu        sync.Mutex
	state     int32
	mons      []string
	unmons    []string
	unmonAll  int
	simuCrash int
	failMon   bool
}

func newFakeSM(state int32) *fakeSM {
	return &fakeSM{state: state}
}

func (f *fakeSM) SimuCrash(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.simuCrash++
	f.state++
	return nil
}

func (f *fakeSM) Stat(ctx context.Context) (int32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state, nil
}

func (f *fakeSM) Mon(ctx context.Context, hostname string, priv [nsm.PrivSize]byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failMon {
		return nsm.ErrMonFailed
	}
	f.mons = append(f.mons, hostname)
	return nil
}

func (f *fakeSM) Unmon(ctx context.Context, hostname string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unmons = append(f.unmons, hostname)
	return nil
}

func (f *fakeSM) UnmonAll(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unmonAll++
	return nil
}

func (f *fakeSM) monCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.mons)
}

func (f *fakeSM) unmonCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.unmons)
}

// fakeGrantCaller records GRANTED back-calls instead of dialing peers.
type fakeGrantCaller struct {
	mu    sync.Mutex
	calls []*GrantedArgs
	reply Status
	err   error
}

func (f *fakeGrantCaller) Granted(ctx context.Context, h *Host, vers uint32, args *GrantedArgs) (Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, args)
	if f.err != nil {
		return StatusDenied, f.err
	}
	return f.reply, nil
}

func (f *fakeGrantCaller) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// testEnv bundles a Globals instance with its collaborators.
type testEnv struct {
	g     *Globals
	svc   *Service
	sm    *fakeSM
	flk   *flock.LockManager
	files *vfs.Registry
	grant *fakeGrantCaller
}

// testCtx returns the context tests use for engine calls.
func testCtx() context.Context {
	return context.Background()
}

// newTestEnv builds a started engine with an already-expired grace
// window and an idle timeout long enough that the background GC never
// interferes; GC behavior is driven explicitly via gcPass.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	cfg := config.NewDefault()
	cfg.NodeName = "nlockd-test"
	cfg.Lock.RetransTimeout = 50 * time.Millisecond

	sm := newFakeSM(42)
	flk := flock.NewManager()
	files := vfs.NewRegistry()
	grant := &fakeGrantCaller{reply: StatusGranted}

	g := New(cfg, flk, files, sm,
		WithRegisterer(prometheus.NewRegistry()),
		WithGrantCaller(grant),
	)
	if err := g.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	expireGrace(g)

	t.Cleanup(func() {
		if g.RunState() == RunUp {
			_ = g.Shutdown(context.Background())
		}
	})

	return &testEnv{g: g, svc: NewService(g), sm: sm, flk: flk, files: files, grant: grant}
}

// expireGrace closes the grace window immediately.
func expireGrace(g *Globals) {
	g.mu.Lock()
	g.graceDeadline = time.Now().Add(-time.Second)
	g.mu.Unlock()
}

// openGrace reopens the grace window for the given duration.
func openGrace(g *Globals, d time.Duration) {
	g.mu.Lock()
	g.graceDeadline = time.Now().Add(d)
	g.mu.Unlock()
}

func tcpPeer(ip string, port int) Peer {
	return Peer{NetID: "tcp", Addr: Addr{IP: net.ParseIP(ip), Port: port}}
}

func (e *testEnv) addFile(handle, id string) *vfs.File {
	return e.files.Register([]byte(handle), id)
}

func lockArgs(caller, fh string, svid int32, offset, length uint64, excl bool) *LockArgs {
	return &LockArgs{
		Cookie:    []byte{1, 2, 3, 4},
		Exclusive: excl,
		Lock: Lock4{
			CallerName: caller,
			FH:         []byte(fh),
			OH:         []byte("oh-" + caller),
			Svid:       svid,
			Offset:     offset,
			Length:     length,
		},
		State: 7,
	}
}
