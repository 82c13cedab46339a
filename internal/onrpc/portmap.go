package onrpc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	xdr2 "github.com/rasky/go-xdr/xdr2"
)

// Portmap (rpcbind v2) constants per RFC 1833.
const (
	PortmapProgram = 100000
	PortmapVersion = 2
	PortmapPort    = 111
	procGetPort    = 3
	ipProtoTCP     = 6
	ipProtoUDP     = 17
)

// ErrNotRegistered is returned by GetPort when rpcbind answers but the
// requested program is not registered (port 0).
var ErrNotRegistered = errors.New("onrpc: program not registered with portmapper")

// Mapping is the PMAPPROC_GETPORT argument (struct mapping, RFC 1833).
type Mapping struct {
	Prog uint32
	Vers uint32
	Prot uint32
	Port uint32
}

// GetPort asks the portmapper at host for the TCP port of (prog, vers).
func GetPort(ctx context.Context, host string, prog, vers uint32, timeout time.Duration) (uint32, error) {
	pm := NewClient(net.JoinHostPort(host, fmt.Sprintf("%d", PortmapPort)), timeout)

	var args bytes.Buffer
	mapping := Mapping{Prog: prog, Vers: vers, Prot: ipProtoTCP}
	if _, err := xdr2.Marshal(&args, &mapping); err != nil {
		return 0, fmt.Errorf("encode mapping: %w", err)
	}

	results, err := pm.Call(ctx, PortmapProgram, PortmapVersion, procGetPort, args.Bytes())
	if err != nil {
		return 0, fmt.Errorf("GETPORT %d/%d: %w", prog, vers, err)
	}

	var port uint32
	if _, err := xdr2.Unmarshal(bytes.NewReader(results), &port); err != nil {
		return 0, fmt.Errorf("decode port: %w", err)
	}
	if port == 0 {
		return 0, ErrNotRegistered
	}
	return port, nil
}
