package logger

import (
	"fmt"
	"log/slog"
)

// Standard field keys for structured logging. Use these consistently
// across log statements so logs stay queryable after aggregation.
const (
	KeyProcedure = "procedure" // NLM/NSM procedure name: LOCK, TEST, MON, ...
	KeyStatus    = "status"    // protocol status code
	KeyHost      = "host"      // remote peer name
	KeyNetID     = "netid"     // transport family label: tcp, tcp6, udp, ...
	KeyAddr      = "addr"      // peer transport address
	KeySysID     = "sysid"     // local lock-manager identifier for the peer
	KeyState     = "state"     // NSM state counter
	KeyHandle    = "handle"    // opaque file handle (hex)
	KeyOffset    = "offset"    // lock range start
	KeyLength    = "length"    // lock range length (0 = to EOF)
	KeySvid      = "svid"      // lock owner process id on the client
	KeyError     = "error"     // error message
	KeyDuration  = "duration_ms"
)

// Procedure returns a procedure name field.
func Procedure(name string) slog.Attr {
	return slog.String(KeyProcedure, name)
}

// Host returns a peer name field.
func Host(name string) slog.Attr {
	return slog.String(KeyHost, name)
}

// SysID returns a sysid field.
func SysID(id int32) slog.Attr {
	return slog.Int(KeySysID, int(id))
}

// Handle returns a file-handle field rendered as hex.
func Handle(h []byte) slog.Attr {
	return slog.String(KeyHandle, fmt.Sprintf("%x", h))
}

// Err returns an error field, tolerating nil.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.String(KeyError, "<nil>")
	}
	return slog.String(KeyError, err.Error())
}
