// Package xdr provides generic XDR (External Data Representation) encoding
// and decoding utilities per RFC 4506.
//
// XDR is the serialization format used by Sun RPC protocols, including NLM
// and NSM. Key characteristics:
//   - Big-endian byte order for all multi-byte integers
//   - 4-byte alignment for all data types
//   - Variable-length data is preceded by a 4-byte length and padded to a
//     4-byte boundary
//
// This package contains only protocol-agnostic primitives with no
// dependencies on nlockd packages.
package xdr

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// WriteOpaque encodes variable-length opaque data: length + data + padding.
//
// Per RFC 4506 Section 4.10:
// Format: [length:uint32][data:bytes][padding:0-3 zero bytes]
//
// Used for binary data such as file handles and owner handles.
func WriteOpaque(buf *bytes.Buffer, data []byte) error {
	length := uint32(len(data))
	if err := binary.Write(buf, binary.BigEndian, length); err != nil {
		return fmt.Errorf("write opaque length: %w", err)
	}
	if _, err := buf.Write(data); err != nil {
		return fmt.Errorf("write opaque data: %w", err)
	}
	return WritePadding(buf, length)
}

// WriteString encodes a string: length + data + padding.
//
// Per RFC 4506 Section 4.11, strings use the same layout as opaque data
// and are interpreted as UTF-8.
func WriteString(buf *bytes.Buffer, s string) error {
	length := uint32(len(s))
	if err := binary.Write(buf, binary.BigEndian, length); err != nil {
		return fmt.Errorf("write string length: %w", err)
	}
	if _, err := buf.WriteString(s); err != nil {
		return fmt.Errorf("write string data: %w", err)
	}
	return WritePadding(buf, length)
}

// WritePadding writes 0-3 zero bytes to align to a 4-byte boundary after
// dataLen bytes of variable-length data.
func WritePadding(buf *bytes.Buffer, dataLen uint32) error {
	padding := (4 - (dataLen % 4)) % 4
	if padding > 0 {
		var pad [3]byte
		if _, err := buf.Write(pad[:padding]); err != nil {
			return fmt.Errorf("write padding: %w", err)
		}
	}
	return nil
}

// WriteUint32 encodes a 32-bit unsigned integer in big-endian byte order.
func WriteUint32(buf *bytes.Buffer, v uint32) error {
	if err := binary.Write(buf, binary.BigEndian, v); err != nil {
		return fmt.Errorf("write uint32: %w", err)
	}
	return nil
}

// WriteUint64 encodes a 64-bit unsigned integer in big-endian byte order.
func WriteUint64(buf *bytes.Buffer, v uint64) error {
	if err := binary.Write(buf, binary.BigEndian, v); err != nil {
		return fmt.Errorf("write uint64: %w", err)
	}
	return nil
}

// WriteInt32 encodes a 32-bit signed integer (two's complement, big-endian).
func WriteInt32(buf *bytes.Buffer, v int32) error {
	if err := binary.Write(buf, binary.BigEndian, v); err != nil {
		return fmt.Errorf("write int32: %w", err)
	}
	return nil
}

// WriteBool encodes a boolean as uint32: 0 = false, 1 = true.
func WriteBool(buf *bytes.Buffer, v bool) error {
	var val uint32
	if v {
		val = 1
	}
	return WriteUint32(buf, val)
}
