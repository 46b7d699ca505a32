package mptcp

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// opt wraps the data bytes of one MPTCP option, excluding the kind and
// length bytes. The slice aliases the packet's frame, so writes go straight
// into the bytes about to be sent or compared.
type opt []byte

// Total option length on the wire, including kind and length bytes.
func (o opt) length() int {
	return len(o) + 2
}

func (o opt) subtype() byte {
	return o[0] >> 4
}

// MP_CAPABLE option (RFC 6824 section 3.1):
//                        1                   2                   3
//    0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
//   +---------------+---------------+-------+-------+---------------+
//   |     Kind      |    Length     |Subtype|Version|A|B|C|D|E|F|G|H|
//   +---------------+---------------+-------+-------+---------------+
//   |                   Option Sender's Key (64 bits)               |
//   +---------------------------------------------------------------+
//   |              Option Receiver's Key (64 bits, ACK only)        |
//   +---------------------------------------------------------------+

func (o opt) capableSenderKey() uint64 {
	return binary.BigEndian.Uint64(o[2:10])
}

func (o opt) setCapableSenderKey(key uint64) {
	binary.BigEndian.PutUint64(o[2:10], key)
}

func (o opt) setCapableReceiverKey(key uint64) {
	binary.BigEndian.PutUint64(o[10:18], key)
}

// MP_JOIN option, SYN form (length 12, RFC 6824 section 3.2):
//   +---------------+---------------+-------+-----+-+---------------+
//   |     Kind      |    Length     |Subtype|     |B|   Address ID  |
//   +---------------+---------------+-------+-----+-+---------------+
//   |                Receiver's Token (32 bits)                     |
//   +---------------------------------------------------------------+
//   |                Sender's Random Number (32 bits)               |
//   +---------------------------------------------------------------+
// SYN/ACK form (length 16) carries a 64-bit truncated HMAC followed by the
// random number; ACK form (length 24) carries the full 160-bit HMAC.

func (o opt) joinAddrID() uint8 {
	return o[1]
}

func (o opt) setJoinAddrID(id uint8) {
	o[1] = id
}

func (o opt) setJoinSynToken(token uint32) {
	binary.BigEndian.PutUint32(o[2:6], token)
}

func (o opt) joinSynNonce() uint32 {
	return binary.BigEndian.Uint32(o[6:10])
}

func (o opt) setJoinSynNonce(nonce uint32) {
	binary.BigEndian.PutUint32(o[6:10], nonce)
}

func (o opt) setJoinSynAckHMAC(mac uint64) {
	binary.BigEndian.PutUint64(o[2:10], mac)
}

func (o opt) joinSynAckNonce() uint32 {
	return binary.BigEndian.Uint32(o[10:14])
}

func (o opt) setJoinSynAckNonce(nonce uint32) {
	binary.BigEndian.PutUint32(o[10:14], nonce)
}

func (o opt) setJoinAckHMAC(mac [20]byte) {
	copy(o[2:22], mac[:])
}

// DSS option (RFC 6824 section 3.3). The flags byte selects which fields
// are present and whether DSN and DACK are 4 or 8 octets:
//   +---------------+---------------+-------+----------------------+
//   |     Kind      |    Length     |Subtype| (reserved) |F|m|M|a|A|
//   +---------------+---------------+-------+----------------------+
//   |           Data ACK (4 or 8 octets, depending on flags)       |
//   +--------------------------------------------------------------+
//   |   Data sequence number (4 or 8 octets, depending on flags)   |
//   +--------------------------------------------------------------+
//   |              Subflow Sequence Number (4 octets)              |
//   +-------------------------------+------------------------------+
//   |  Data-Level Length (2 octets) |      Checksum (2 octets)     |
//   +-------------------------------+------------------------------+
type dssOption struct {
	o     opt
	flags byte

	hasAck  bool
	ack64   bool
	hasDSN  bool
	dsn64   bool
	hasCsum bool

	ackOff  int
	dsnOff  int
	ssnOff  int
	dllOff  int
	csumOff int
}

// Work out the field offsets of a DSS option from its flags and length.
// The DACK and DSN fields float with the flag bits, so the offsets are
// accumulated left to right.
func parseDSS(o opt) (*dssOption, error) {
	if len(o) < 2 {
		return nil, errors.Wrap(ErrOption, "DSS option truncated")
	}

	d := &dssOption{o: o, flags: o[1]}
	off := 2

	if d.flags&dssFlagDataAck != 0 {
		d.hasAck = true
		d.ack64 = d.flags&dssFlagDataAck64 != 0
		n := 4
		if d.ack64 {
			n = 8
		}
		if len(o) < off+n {
			return nil, errors.Wrap(ErrOption, "DSS data ack truncated")
		}
		d.ackOff = off
		off += n
	}

	if d.flags&dssFlagDSN != 0 {
		d.hasDSN = true
		d.dsn64 = d.flags&dssFlagDSN64 != 0
		n := 4
		if d.dsn64 {
			n = 8
		}
		// DSN, subflow sequence, data-level length.
		if len(o) < off+n+4+2 {
			return nil, errors.Wrap(ErrOption, "DSS mapping truncated")
		}
		d.dsnOff = off
		off += n
		d.ssnOff = off
		off += 4
		d.dllOff = off
		off += 2

		// The checksum is present iff the option has room for it.
		if len(o)-off >= 2 {
			d.hasCsum = true
			d.csumOff = off
		}
	}

	return d, nil
}

func (d *dssOption) dataAck() uint64 {
	if d.ack64 {
		return binary.BigEndian.Uint64(d.o[d.ackOff:])
	}
	return uint64(binary.BigEndian.Uint32(d.o[d.ackOff:]))
}

// 4-octet fields carry the low 32 bits (RFC 6824 section 3.3.1).
func (d *dssOption) setDataAck(ack uint64) {
	if d.ack64 {
		binary.BigEndian.PutUint64(d.o[d.ackOff:], ack)
	} else {
		binary.BigEndian.PutUint32(d.o[d.ackOff:], uint32(ack))
	}
}

func (d *dssOption) dsn() uint64 {
	if d.dsn64 {
		return binary.BigEndian.Uint64(d.o[d.dsnOff:])
	}
	return uint64(binary.BigEndian.Uint32(d.o[d.dsnOff:]))
}

func (d *dssOption) setDSN(dsn uint64) {
	if d.dsn64 {
		binary.BigEndian.PutUint64(d.o[d.dsnOff:], dsn)
	} else {
		binary.BigEndian.PutUint32(d.o[d.dsnOff:], uint32(dsn))
	}
}

func (d *dssOption) setSubflowSeq(ssn uint32) {
	binary.BigEndian.PutUint32(d.o[d.ssnOff:], ssn)
}

func (d *dssOption) setDataLevelLength(dll uint16) {
	binary.BigEndian.PutUint16(d.o[d.dllOff:], dll)
}

func (d *dssOption) setChecksum(csum uint16) {
	binary.BigEndian.PutUint16(d.o[d.csumOff:], csum)
}
