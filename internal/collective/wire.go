package collective

import (
	"encoding/binary"
	"fmt"
)

type opKind uint8

const (
	opAllReduce opKind = iota + 1
	opBroadcast
	opAllGather
	opBarrier
)

func (k opKind) String() string {
	switch k {
	case opAllReduce:
		return "allreduce"
	case opBroadcast:
		return "broadcast"
	case opAllGather:
		return "allgather"
	case opBarrier:
		return "barrier"
	default:
		return "unknown"
	}
}

const headerSize = 16

const (
	statusOK uint8 = iota
	statusFailed
)

// header prefixes every hub message. seq ties replies to the operation
// that produced them so late replies of failed operations are dropped.
type header struct {
	seq    uint64
	kind   opKind
	status uint8
	rank   uint16
	arg    int32
}

func (h header) encode() []byte {
	buf := make([]byte, headerSize)
	binary.LittleEndian.PutUint64(buf[0:], h.seq)
	buf[8] = byte(h.kind)
	buf[9] = h.status
	binary.LittleEndian.PutUint16(buf[10:], h.rank)
	binary.LittleEndian.PutUint32(buf[12:], uint32(h.arg))
	return buf
}

func decodeHeader(buf []byte) (header, error) {
	if len(buf) != headerSize {
		return header{}, fmt.Errorf("bad header size %d", len(buf))
	}
	return header{
		seq:    binary.LittleEndian.Uint64(buf[0:]),
		kind:   opKind(buf[8]),
		status: buf[9],
		rank:   binary.LittleEndian.Uint16(buf[10:]),
		arg:    int32(binary.LittleEndian.Uint32(buf[12:])),
	}, nil
}
