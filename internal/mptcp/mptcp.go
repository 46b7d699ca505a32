// Package mptcp fills in and captures the MPTCP option fields of scripted
// TCP packets: the 64-bit session keys carried by MP_CAPABLE, the tokens,
// nonces and HMAC-SHA1 authenticators of MP_JOIN, and the data sequence
// numbers of DSS. Field layouts follow RFC 6824
// (https://tools.ietf.org/html/rfc6824).
package mptcp

import (
	"github.com/google/gopacket/layers"

	"github.com/lanikai/mptcpdrill/internal/logging"
)

var log = logging.WithTag("mptcp")

// Direction of a scripted packet relative to the kernel under test.
type Direction int

const (
	// Inbound packets travel tool -> kernel; the engine fills in their
	// option fields before injection.
	Inbound Direction = iota

	// Outbound packets travel kernel -> tool; the engine absorbs values
	// from the captured frame into the scripted one.
	Outbound
)

func (d Direction) String() string {
	if d == Inbound {
		return "inbound"
	}
	return "outbound"
}

// TCP option kind assigned to MPTCP.
const KindMPTCP = layers.TCPOptionKind(30)

// MPTCP option subtypes (RFC 6824 section 3).
const (
	SubtypeCapable    = 0x0
	SubtypeJoin       = 0x1
	SubtypeDSS        = 0x2
	SubtypeAddAddr    = 0x3
	SubtypeRemoveAddr = 0x4
	SubtypePrio       = 0x5
	SubtypeFail       = 0x6
	SubtypeFastclose  = 0x7
)

// Total option lengths, including the kind and length bytes.
const (
	capableSynLen = 12 // one key
	capableAckLen = 20 // both keys

	joinSynLen    = 12 // token + nonce
	joinSynAckLen = 16 // truncated HMAC + nonce
	joinAckLen    = 24 // full 160-bit HMAC
)

// DSS flag bits (RFC 6824 section 3.3).
const (
	dssFlagDataAck   = 0x01 // DACK present
	dssFlagDataAck64 = 0x02 // DACK is 8 octets
	dssFlagDSN       = 0x04 // DSN mapping present
	dssFlagDSN64     = 0x08 // DSN is 8 octets
	dssFlagDataFin   = 0x10
)
