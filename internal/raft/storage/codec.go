package storage

import (
	"encoding/binary"
	"fmt"

	"github.com/isparth/Distributed-Systems/ohmyraft/internal/types"
)

// Record payload layout, all integers varint encoded:
//
//	index term kind <variant fields> clientID seq
//
// Get: key. Put: key value. AddServer: id ip raftPort dbPort name.
// RemoveServer: id. Strings are a uvarint length followed by the bytes.

func encodeEntry(e LogEntry) ([]byte, error) {
	if err := e.Op.Validate(); err != nil {
		return nil, err
	}
	b := make([]byte, 0, 32)
	b = binary.AppendVarint(b, int64(e.Index))
	b = binary.AppendVarint(b, int64(e.Term))
	b = append(b, byte(e.Op.Kind))

	switch e.Op.Kind {
	case types.OpGet:
		b = binary.AppendVarint(b, e.Op.Key)
	case types.OpPut:
		b = binary.AppendVarint(b, e.Op.Key)
		b = binary.AppendVarint(b, e.Op.Value)
	case types.OpAddServer:
		s := e.Op.Server
		b = binary.AppendVarint(b, int64(s.ID))
		b = appendString(b, s.IP)
		b = binary.AppendVarint(b, int64(s.RaftPort))
		b = binary.AppendVarint(b, int64(s.DBPort))
		b = appendString(b, s.Name)
	case types.OpRemoveServer:
		b = binary.AppendVarint(b, int64(e.Op.ServerID))
	}

	b = appendString(b, e.Op.ClientID)
	b = binary.AppendUvarint(b, e.Op.Seq)
	return b, nil
}

func decodeEntry(b []byte) (LogEntry, error) {
	d := decoder{buf: b}
	var e LogEntry
	e.Index = int(d.varint())
	e.Term = int(d.varint())
	kind := types.OpKind(d.byte())

	switch kind {
	case types.OpGet:
		e.Op = types.GetOp(d.varint())
	case types.OpPut:
		key := d.varint()
		e.Op = types.PutOp(key, d.varint())
	case types.OpAddServer:
		var s types.ServerInfo
		s.ID = types.NodeID(d.varint())
		s.IP = d.string()
		s.RaftPort = int(d.varint())
		s.DBPort = int(d.varint())
		s.Name = d.string()
		e.Op = types.AddServerOp(s)
	case types.OpRemoveServer:
		e.Op = types.RemoveServerOp(types.NodeID(d.varint()))
	default:
		return LogEntry{}, fmt.Errorf("op kind %d: %w", kind, ErrCorruptRecord)
	}

	e.Op.ClientID = d.string()
	e.Op.Seq = d.uvarint()

	if d.err != nil {
		return LogEntry{}, d.err
	}
	if len(d.buf) != 0 {
		return LogEntry{}, fmt.Errorf("%d trailing bytes: %w", len(d.buf), ErrCorruptRecord)
	}
	return e, nil
}

func appendString(b []byte, s string) []byte {
	b = binary.AppendUvarint(b, uint64(len(s)))
	return append(b, s...)
}

// decoder reads fields off buf; the first failure sticks in err.
type decoder struct {
	buf []byte
	err error
}

func (d *decoder) fail() {
	if d.err == nil {
		d.err = ErrCorruptRecord
	}
	d.buf = nil
}

func (d *decoder) varint() int64 {
	v, n := binary.Varint(d.buf)
	if n <= 0 {
		d.fail()
		return 0
	}
	d.buf = d.buf[n:]
	return v
}

func (d *decoder) uvarint() uint64 {
	v, n := binary.Uvarint(d.buf)
	if n <= 0 {
		d.fail()
		return 0
	}
	d.buf = d.buf[n:]
	return v
}

func (d *decoder) byte() byte {
	if len(d.buf) < 1 {
		d.fail()
		return 0
	}
	v := d.buf[0]
	d.buf = d.buf[1:]
	return v
}

func (d *decoder) string() string {
	n := d.uvarint()
	if d.err != nil {
		return ""
	}
	if uint64(len(d.buf)) < n {
		d.fail()
		return ""
	}
	s := string(d.buf[:n])
	d.buf = d.buf[n:]
	return s
}
