package nlm

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/marmos91/nlockd/internal/xdr"
)

// onrpcTimeout is the total deadline for one back-call exchange.
const onrpcTimeout = 5 * time.Second

// GrantCaller issues the NLM_GRANTED back-call that wakes a peer whose
// blocking request we just satisfied.
type GrantCaller interface {
	Granted(ctx context.Context, h *Host, vers uint32, args *GrantedArgs) (Status, error)
}

// rpcGrantCaller is the wire implementation: it resolves the peer's
// NLM endpoint through the host's binding cache and performs a one-shot
// RPC call.
type rpcGrantCaller struct {
	timeout time.Duration
}

func newRPCGrantCaller(timeout time.Duration) *rpcGrantCaller {
	return &rpcGrantCaller{timeout: timeout}
}

// Granted sends NLM_GRANTED and decodes the peer's reply status.
func (c *rpcGrantCaller) Granted(ctx context.Context, h *Host, vers uint32, args *GrantedArgs) (Status, error) {
	client, err := h.rpcClient(ctx, vers, c.timeout)
	if err != nil {
		return StatusDenied, err
	}

	payload, err := encodeGrantedArgs(vers, args)
	if err != nil {
		return StatusDenied, err
	}

	results, err := client.Call(ctx, Program, vers, ProcGranted, payload)
	if err != nil {
		return StatusDenied, fmt.Errorf("NLM_GRANTED to %s: %w", h.name, err)
	}

	return decodeRes(results)
}

// encodeGrantedArgs encodes nlm_testargs / nlm4_testargs: the GRANTED
// argument reuses the TEST argument layout.
//
//	cookie:    netobj
//	exclusive: bool
//	alock:     caller_name, fh, oh, svid, l_offset, l_len
//
// v3 carries 32-bit offsets; v4 64-bit.
func encodeGrantedArgs(vers uint32, args *GrantedArgs) ([]byte, error) {
	buf := new(bytes.Buffer)

	if err := xdr.WriteOpaque(buf, args.Cookie); err != nil {
		return nil, fmt.Errorf("encode cookie: %w", err)
	}
	if err := xdr.WriteBool(buf, args.Exclusive); err != nil {
		return nil, err
	}
	if err := xdr.WriteString(buf, args.Lock.CallerName); err != nil {
		return nil, fmt.Errorf("encode caller_name: %w", err)
	}
	if err := xdr.WriteOpaque(buf, args.Lock.FH); err != nil {
		return nil, fmt.Errorf("encode fh: %w", err)
	}
	if err := xdr.WriteOpaque(buf, args.Lock.OH); err != nil {
		return nil, fmt.Errorf("encode oh: %w", err)
	}
	if err := xdr.WriteInt32(buf, args.Lock.Svid); err != nil {
		return nil, err
	}

	if vers == Version4 {
		if err := xdr.WriteUint64(buf, args.Lock.Offset); err != nil {
			return nil, err
		}
		if err := xdr.WriteUint64(buf, args.Lock.Length); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}

	// v3: narrow with overflow checks.
	if args.Lock.Offset > 0xFFFFFFFF || args.Lock.Length > 0xFFFFFFFF {
		return nil, fmt.Errorf("nlm: range does not fit NLM v3 offsets")
	}
	if err := xdr.WriteUint32(buf, uint32(args.Lock.Offset)); err != nil {
		return nil, err
	}
	if err := xdr.WriteUint32(buf, uint32(args.Lock.Length)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decodeRes decodes an nlm_res / nlm4_res reply: cookie plus status.
func decodeRes(data []byte) (Status, error) {
	r := bytes.NewReader(data)

	if _, err := xdr.DecodeOpaque(r); err != nil {
		return StatusDenied, fmt.Errorf("decode cookie: %w", err)
	}
	stat, err := xdr.DecodeUint32(r)
	if err != nil {
		return StatusDenied, fmt.Errorf("decode status: %w", err)
	}
	return Status(stat), nil
}
