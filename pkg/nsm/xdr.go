package nsm

import (
	"bytes"
	"fmt"
	"io"

	"github.com/marmos91/nlockd/internal/xdr"
)

// encodeSMName encodes an sm_name argument (SM_STAT, legacy SM_UNMON).
func encodeSMName(name string) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := xdr.WriteString(buf, name); err != nil {
		return nil, fmt.Errorf("encode mon_name: %w", err)
	}
	return buf.Bytes(), nil
}

// encodeMyID appends a my_id structure.
func encodeMyID(buf *bytes.Buffer, id *MyID) error {
	if err := xdr.WriteString(buf, id.MyName); err != nil {
		return fmt.Errorf("encode my_name: %w", err)
	}
	for _, v := range []uint32{id.MyProg, id.MyVers, id.MyProc} {
		if err := xdr.WriteUint32(buf, v); err != nil {
			return err
		}
	}
	return nil
}

// encodeMonID appends a mon_id structure.
func encodeMonID(buf *bytes.Buffer, id *MonID) error {
	if err := xdr.WriteString(buf, id.MonName); err != nil {
		return fmt.Errorf("encode mon_name: %w", err)
	}
	return encodeMyID(buf, &id.MyID)
}

// encodeMon encodes the SM_MON argument.
//
// Wire format:
//
//	mon_id: mon_name + my_id
//	priv:   opaque[16] (fixed size, no length prefix)
func encodeMon(mon *Mon) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := encodeMonID(buf, &mon.MonID); err != nil {
		return nil, err
	}
	if _, err := buf.Write(mon.Priv[:]); err != nil {
		return nil, fmt.Errorf("encode priv: %w", err)
	}
	return buf.Bytes(), nil
}

// encodeUnmon encodes the SM_UNMON argument (a mon_id).
func encodeUnmon(id *MonID) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := encodeMonID(buf, id); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// encodeUnmonAll encodes the SM_UNMON_ALL argument (a my_id).
func encodeUnmonAll(id *MyID) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := encodeMyID(buf, id); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decodeStatRes decodes an sm_stat_res result.
func decodeStatRes(data []byte) (*StatRes, error) {
	r := bytes.NewReader(data)

	result, err := xdr.DecodeUint32(r)
	if err != nil {
		return nil, fmt.Errorf("decode res_stat: %w", err)
	}
	state, err := xdr.DecodeInt32(r)
	if err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	return &StatRes{Result: result, State: state}, nil
}

// decodeStat decodes an sm_stat result.
func decodeStat(data []byte) (*Stat, error) {
	r := bytes.NewReader(data)

	state, err := xdr.DecodeInt32(r)
	if err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	return &Stat{State: state}, nil
}

// DecodeStatus decodes an SM_NOTIFY payload. Exposed for the NOTIFY
// dispatch path, which receives the raw argument bytes from statd.
func DecodeStatus(data []byte) (*Status, error) {
	r := bytes.NewReader(data)

	name, err := xdr.DecodeString(r)
	if err != nil {
		return nil, fmt.Errorf("decode mon_name: %w", err)
	}
	state, err := xdr.DecodeInt32(r)
	if err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}

	var st Status
	st.MonName = name
	st.State = state
	// priv is a fixed-size opaque[16]: no length prefix.
	if _, err := io.ReadFull(r, st.Priv[:]); err != nil {
		return nil, fmt.Errorf("decode priv: %w", err)
	}
	return &st, nil
}

// EncodeStatus encodes an SM_NOTIFY payload. The inverse of
// DecodeStatus, used by tests and by loopback notification delivery.
func EncodeStatus(st *Status) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := xdr.WriteString(buf, st.MonName); err != nil {
		return nil, fmt.Errorf("encode mon_name: %w", err)
	}
	if err := xdr.WriteInt32(buf, st.State); err != nil {
		return nil, fmt.Errorf("encode state: %w", err)
	}
	if _, err := buf.Write(st.Priv[:]); err != nil {
		return nil, fmt.Errorf("encode priv: %w", err)
	}
	return buf.Bytes(), nil
}
