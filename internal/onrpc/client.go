// Package onrpc implements a minimal one-shot ONC RPC client (RFC 5531)
// over TCP with record marking.
//
// nlockd uses it for the three outbound call paths: SM (statd) calls,
// rpcbind GETPORT discovery, and NLM_GRANTED back-calls to peers. Each
// call opens a fresh connection with a total deadline covering dial and
// I/O combined; no connection caching is performed at this layer (the
// host RPC cache in pkg/nlm caches bindings, not sockets).
package onrpc

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"time"
)

const (
	rpcVersion = 2

	msgTypeCall  = 0
	msgTypeReply = 1

	authNull = 0

	replyAccepted = 0

	acceptSuccess     = 0
	acceptProgUnavail = 1
	acceptProcUnavail = 3
	acceptGarbageArgs = 4

	// maxReplySize bounds a single reply fragment.
	maxReplySize = 1 * 1024 * 1024
)

// DefaultTimeout is the total per-call deadline (dial + I/O) when the
// caller does not supply one.
const DefaultTimeout = 5 * time.Second

// ErrProgUnavailable is returned when the remote reports the program is
// not served at the dialed endpoint.
var ErrProgUnavailable = errors.New("onrpc: program unavailable")

// ErrDenied is returned when the remote rejects the call outright
// (wrong RPC version or authentication failure).
var ErrDenied = errors.New("onrpc: call denied")

var xidCounter atomic.Uint32

func init() {
	xidCounter.Store(uint32(time.Now().UnixNano()))
}

func nextXID() uint32 {
	return xidCounter.Add(1)
}

// Client issues one-shot RPC calls to a fixed endpoint.
type Client struct {
	addr    string
	timeout time.Duration
}

// NewClient creates a client for the given "host:port" endpoint.
// A zero timeout selects DefaultTimeout.
func NewClient(addr string, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	return &Client{addr: addr, timeout: timeout}
}

// Addr returns the endpoint this client dials.
func (c *Client) Addr() string {
	return c.addr
}

// Call performs a single RPC call and returns the raw result bytes.
//
// The connection is dialed fresh, the call is framed with record
// marking, and the accepted reply's result payload is returned. The
// entire exchange shares one deadline derived from ctx and the client
// timeout.
func (c *Client) Call(ctx context.Context, prog, vers, proc uint32, args []byte) ([]byte, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var dialer net.Dialer
	conn, err := dialer.DialContext(callCtx, "tcp", c.addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.addr, err)
	}
	defer conn.Close()

	if deadline, ok := callCtx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return nil, fmt.Errorf("set deadline: %w", err)
		}
	}

	xid := nextXID()
	msg, err := buildCallMessage(xid, prog, vers, proc, args)
	if err != nil {
		return nil, fmt.Errorf("build call message: %w", err)
	}

	if _, err := conn.Write(addRecordMark(msg)); err != nil {
		return nil, fmt.Errorf("write call: %w", err)
	}

	reply, err := readReply(conn)
	if err != nil {
		return nil, err
	}
	return parseReply(reply, xid)
}

// buildCallMessage builds an RPC CALL message with AUTH_NULL credentials.
//
// Wire format per RFC 5531:
//
//	XID:        [uint32]
//	MsgType:    [uint32] = 0 (CALL)
//	RPCVersion: [uint32] = 2
//	Program:    [uint32]
//	Version:    [uint32]
//	Procedure:  [uint32]
//	Cred:       AUTH_NULL (flavor=0, length=0)
//	Verf:       AUTH_NULL (flavor=0, length=0)
//	Args:       [procedure args]
func buildCallMessage(xid, prog, vers, proc uint32, args []byte) ([]byte, error) {
	var buf bytes.Buffer

	header := []uint32{
		xid,
		msgTypeCall,
		rpcVersion,
		prog,
		vers,
		proc,
		authNull, 0, // credentials
		authNull, 0, // verifier
	}
	for _, v := range header {
		if err := binary.Write(&buf, binary.BigEndian, v); err != nil {
			return nil, err
		}
	}

	if _, err := buf.Write(args); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// addRecordMark prepends the RPC record-marking header.
//
// Per RFC 5531 Section 11, TCP frames carry a 4-byte header: bit 31 is
// the last-fragment flag, bits 0-30 the fragment length. The whole
// message is sent as a single fragment.
func addRecordMark(msg []byte) []byte {
	framed := make([]byte, 4+len(msg))
	binary.BigEndian.PutUint32(framed[0:4], uint32(len(msg))|0x80000000)
	copy(framed[4:], msg)
	return framed
}

// readReply reads one record-marked reply, reassembling fragments.
func readReply(conn net.Conn) ([]byte, error) {
	var reply []byte
	for {
		var headerBuf [4]byte
		if _, err := io.ReadFull(conn, headerBuf[:]); err != nil {
			return nil, fmt.Errorf("read reply header: %w", err)
		}

		header := binary.BigEndian.Uint32(headerBuf[:])
		fragLen := header & 0x7FFFFFFF
		if fragLen > maxReplySize || len(reply)+int(fragLen) > maxReplySize {
			return nil, fmt.Errorf("reply fragment too large: %d", fragLen)
		}

		frag := make([]byte, fragLen)
		if _, err := io.ReadFull(conn, frag); err != nil {
			return nil, fmt.Errorf("read reply body: %w", err)
		}
		reply = append(reply, frag...)

		if header&0x80000000 != 0 {
			return reply, nil
		}
	}
}

// parseReply validates the RPC reply envelope and returns the result
// payload of an accepted, successful reply.
func parseReply(reply []byte, wantXID uint32) ([]byte, error) {
	r := bytes.NewReader(reply)

	var xid, mtype, stat uint32
	for _, v := range []*uint32{&xid, &mtype, &stat} {
		if err := binary.Read(r, binary.BigEndian, v); err != nil {
			return nil, fmt.Errorf("short reply: %w", err)
		}
	}

	if xid != wantXID {
		return nil, fmt.Errorf("reply xid %d does not match call xid %d", xid, wantXID)
	}
	if mtype != msgTypeReply {
		return nil, fmt.Errorf("unexpected message type %d", mtype)
	}
	if stat != replyAccepted {
		return nil, ErrDenied
	}

	// Verifier: flavor + opaque body.
	var verfFlavor, verfLen uint32
	if err := binary.Read(r, binary.BigEndian, &verfFlavor); err != nil {
		return nil, fmt.Errorf("read verf flavor: %w", err)
	}
	if err := binary.Read(r, binary.BigEndian, &verfLen); err != nil {
		return nil, fmt.Errorf("read verf length: %w", err)
	}
	padded := (verfLen + 3) &^ 3
	if _, err := r.Seek(int64(padded), io.SeekCurrent); err != nil {
		return nil, fmt.Errorf("skip verifier: %w", err)
	}

	var acceptStat uint32
	if err := binary.Read(r, binary.BigEndian, &acceptStat); err != nil {
		return nil, fmt.Errorf("read accept stat: %w", err)
	}
	switch acceptStat {
	case acceptSuccess:
	case acceptProgUnavail, acceptProcUnavail:
		return nil, ErrProgUnavailable
	case acceptGarbageArgs:
		return nil, errors.New("onrpc: remote could not decode arguments")
	default:
		return nil, fmt.Errorf("onrpc: accept status %d", acceptStat)
	}

	results := make([]byte, r.Len())
	if _, err := io.ReadFull(r, results); err != nil {
		return nil, err
	}
	return results, nil
}
