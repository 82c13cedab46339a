package nsm

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/marmos91/nlockd/internal/logger"
	"github.com/marmos91/nlockd/internal/onrpc"
)

// ErrMonFailed is returned when statd reports STAT_FAIL for a
// monitoring operation.
var ErrMonFailed = errors.New("nsm: status monitor refused the operation")

// ClientConfig holds the knobs for reaching the local statd.
type ClientConfig struct {
	// Host is where statd's portmapper is reached, normally loopback.
	Host string

	// BindRetries bounds endpoint discovery attempts.
	BindRetries int

	// BindBackoff is the fixed delay between discovery attempts.
	BindBackoff time.Duration

	// CallTimeout is the total per-call deadline.
	CallTimeout time.Duration
}

// Client is the serialized SM client.
//
// statd processes one request at a time on our side of the protocol:
// every call traverses the single underlying RPC endpoint under mu.
// Callers never observe interleaved SM traffic from this process.
type Client struct {
	mu   sync.Mutex
	rpc  *onrpc.Client
	myID MyID
}

// Dial locates the status monitor through the portmapper and returns a
// ready client.
//
// Discovery retries up to cfg.BindRetries times with a fixed backoff:
// statd may not have registered yet during system startup. A final
// failure is fatal to lock-manager startup, so it is returned rather
// than masked.
func Dial(ctx context.Context, cfg ClientConfig, myID MyID) (*Client, error) {
	var lastErr error
	for attempt := 1; attempt <= cfg.BindRetries; attempt++ {
		port, err := onrpc.GetPort(ctx, cfg.Host, Program, Version, cfg.CallTimeout)
		if err == nil {
			addr := net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", port))
			logger.Debug("status monitor located", "addr", addr, "attempt", attempt)
			return &Client{
				rpc:  onrpc.NewClient(addr, cfg.CallTimeout),
				myID: myID,
			}, nil
		}
		lastErr = err

		if errors.Is(err, onrpc.ErrNotRegistered) {
			logger.Debug("status monitor not registered yet", "attempt", attempt)
		} else {
			logger.Warn("status monitor discovery failed",
				"attempt", attempt, "error", err)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(cfg.BindBackoff):
		}
	}
	return nil, fmt.Errorf("nsm: discovery exhausted after %d attempts: %w",
		cfg.BindRetries, lastErr)
}

// NewClientForEndpoint builds a client against a known statd endpoint,
// bypassing discovery. Used by tests.
func NewClientForEndpoint(addr string, timeout time.Duration, myID MyID) *Client {
	return &Client{rpc: onrpc.NewClient(addr, timeout), myID: myID}
}

// SimuCrash tells statd this host restarted, so it bumps our state and
// re-notifies everyone monitoring us.
func (c *Client) SimuCrash(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, err := c.rpc.Call(ctx, Program, Version, ProcSimuCrash, nil)
	if err != nil {
		return fmt.Errorf("SM_SIMU_CRASH: %w", err)
	}
	return nil
}

// Stat fetches our own state counter, the incarnation number passed to
// peers as a reboot discriminator.
func (c *Client) Stat(ctx context.Context) (int32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	args, err := encodeSMName(c.myID.MyName)
	if err != nil {
		return 0, err
	}
	results, err := c.rpc.Call(ctx, Program, Version, ProcStat, args)
	if err != nil {
		return 0, fmt.Errorf("SM_STAT: %w", err)
	}
	res, err := decodeStatRes(results)
	if err != nil {
		return 0, fmt.Errorf("SM_STAT: %w", err)
	}
	if res.Result != StatSucc {
		return 0, fmt.Errorf("SM_STAT: %w", ErrMonFailed)
	}
	return res.State, nil
}

// Mon asks statd to watch hostname and deliver SM_NOTIFY with the given
// priv blob when it changes state.
func (c *Client) Mon(ctx context.Context, hostname string, priv [PrivSize]byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	args, err := encodeMon(&Mon{
		MonID: MonID{MonName: hostname, MyID: c.myID},
		Priv:  priv,
	})
	if err != nil {
		return err
	}
	results, err := c.rpc.Call(ctx, Program, Version, ProcMon, args)
	if err != nil {
		return fmt.Errorf("SM_MON %s: %w", hostname, err)
	}
	res, err := decodeStatRes(results)
	if err != nil {
		return fmt.Errorf("SM_MON %s: %w", hostname, err)
	}
	if res.Result != StatSucc {
		return fmt.Errorf("SM_MON %s: %w", hostname, ErrMonFailed)
	}
	return nil
}

// Unmon stops watching hostname.
func (c *Client) Unmon(ctx context.Context, hostname string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	args, err := encodeUnmon(&MonID{MonName: hostname, MyID: c.myID})
	if err != nil {
		return err
	}
	results, err := c.rpc.Call(ctx, Program, Version, ProcUnmon, args)
	if err != nil {
		return fmt.Errorf("SM_UNMON %s: %w", hostname, err)
	}
	if _, err := decodeStat(results); err != nil {
		return fmt.Errorf("SM_UNMON %s: %w", hostname, err)
	}
	return nil
}

// UnmonAll drops every registration this process holds. Called once at
// shutdown.
func (c *Client) UnmonAll(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	args, err := encodeUnmonAll(&c.myID)
	if err != nil {
		return err
	}
	results, err := c.rpc.Call(ctx, Program, Version, ProcUnmonAll, args)
	if err != nil {
		return fmt.Errorf("SM_UNMON_ALL: %w", err)
	}
	if _, err := decodeStat(results); err != nil {
		return fmt.Errorf("SM_UNMON_ALL: %w", err)
	}
	return nil
}

// SysIDPriv packs a sysid into the priv blob handed to SM_MON. The
// NOTIFY path unpacks it to find the host without a name lookup.
func SysIDPriv(sysid int32) [PrivSize]byte {
	var priv [PrivSize]byte
	binary.BigEndian.PutUint32(priv[0:4], uint32(sysid))
	return priv
}

// PrivSysID unpacks the sysid stored by SysIDPriv.
func PrivSysID(priv [PrivSize]byte) int32 {
	return int32(binary.BigEndian.Uint32(priv[0:4]))
}
