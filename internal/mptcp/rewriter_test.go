package mptcp

import (
	"encoding/binary"
	"net"
	"testing"

	"github.com/google/gopacket/layers"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"

	"github.com/lanikai/mptcpdrill/internal/frame"
)

const (
	toolKey   = uint64(0x1122334455667788)
	kernelKey = uint64(0xAABBCCDDEEFF0011)

	firstNonce = uint32(0x0BADCAFE)
	joinNonce  = uint32(0xFACEB00C)
)

func testPacket(sport, dport uint16, syn, ack bool, optData []byte, payloadLen int) *frame.Packet {
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    net.IP{192, 168, 0, 1},
		DstIP:    net.IP{192, 168, 0, 2},
	}
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(sport),
		DstPort: layers.TCPPort(dport),
		SYN:     syn,
		ACK:     ack,
		Window:  65535,
	}
	if optData != nil {
		tcp.Options = []layers.TCPOption{{
			OptionType:   KindMPTCP,
			OptionLength: uint8(len(optData) + 2),
			OptionData:   optData,
		}}
	}
	var payload []byte
	if payloadLen > 0 {
		payload = make([]byte, payloadLen)
	}
	return &frame.Packet{IP4: ip, TCP: tcp, Payload: payload}
}

// Option data (kind and length bytes excluded).

func capableOptData(ackForm bool) []byte {
	n := 10
	if ackForm {
		n = 18
	}
	data := make([]byte, n)
	data[0] = SubtypeCapable << 4
	data[1] = 0x81
	return data
}

func joinOptData(totalLen int) []byte {
	data := make([]byte, totalLen-2)
	data[0] = SubtypeJoin << 4
	return data
}

func dssOptData(flags byte, totalLen int) []byte {
	data := make([]byte, totalLen-2)
	data[0] = SubtypeDSS << 4
	data[1] = flags
	return data
}

// Run the MP_CAPABLE three-way handshake: tool SYN, kernel SYN/ACK with
// kernelKey, tool ACK. Leaves one subflow on ports 40001 -> 8080.
func doHandshake(t *testing.T, s *Session) {
	t.Helper()

	assert.Nil(t, s.EnqueueVar("c"))
	syn := testPacket(40001, 8080, true, false, capableOptData(false), 0)
	if err := s.Process(syn, nil, Inbound); err != nil {
		t.Fatal(err)
	}

	assert.Nil(t, s.EnqueueVar("s"))
	liveData := capableOptData(false)
	binary.BigEndian.PutUint64(liveData[2:10], kernelKey)
	live := testPacket(8080, 40001, true, true, liveData, 0)
	script := testPacket(8080, 40001, true, true, capableOptData(false), 0)
	if err := s.Process(script, live, Outbound); err != nil {
		t.Fatal(err)
	}

	assert.Nil(t, s.EnqueueVar("c"))
	assert.Nil(t, s.EnqueueVar("s"))
	ack := testPacket(40001, 8080, false, true, capableOptData(true), 0)
	if err := s.Process(ack, nil, Inbound); err != nil {
		t.Fatal(err)
	}
}

func TestBasicHandshake(t *testing.T) {
	s := NewSession(&stubRand{
		u64: []uint64{toolKey},
		u32: []uint32{firstNonce},
	})

	assert.Nil(t, s.EnqueueVar("c"))
	synData := capableOptData(false)
	syn := testPacket(40001, 8080, true, false, synData, 0)
	if err := s.Process(syn, nil, Inbound); err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, toolKey, binary.BigEndian.Uint64(synData[2:10]))

	assert.Nil(t, s.EnqueueVar("s"))
	liveData := capableOptData(false)
	binary.BigEndian.PutUint64(liveData[2:10], kernelKey)
	live := testPacket(8080, 40001, true, true, liveData, 0)
	script := testPacket(8080, 40001, true, true, capableOptData(false), 0)
	if err := s.Process(script, live, Outbound); err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, kernelKey, s.peerKey)

	ackData := capableOptData(true)
	ack := testPacket(40001, 8080, false, true, ackData, 0)
	if err := s.Process(ack, nil, Inbound); err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, toolKey, binary.BigEndian.Uint64(ackData[2:10]))
	assert.Equal(t, kernelKey, binary.BigEndian.Uint64(ackData[10:18]))

	dsn, err := s.getInitialDSN()
	assert.Nil(t, err)
	assert.Equal(t, IDSN64(toolKey), dsn)
	dack, _ := s.getInitialDACK()
	assert.Equal(t, IDSN64(kernelKey), dack)

	assert.Equal(t, 1, len(s.subflows))
	assert.Equal(t, uint8(0), s.subflows[0].localAddrID)
}

func TestScriptDefinedKeys(t *testing.T) {
	// No u64 entries: a random key draw would panic.
	s := NewSession(&stubRand{u32: []uint32{firstNonce}})

	clientKey := []byte{0, 0, 0, 0, 0, 0, 0, 1}
	serverKey := []byte{0, 0, 0, 0, 0, 0, 0, 2}
	s.DeclareScriptValue("c", clientKey)
	s.DeclareScriptValue("s", serverKey)

	doHandshake(t, s)

	assert.Equal(t, uint64(1), s.localKey)
	assert.Equal(t, uint64(2), s.peerKey)
}

func TestGenLocalKeyIdempotent(t *testing.T) {
	// A single scripted draw: a second one would panic.
	s := NewSession(&stubRand{u64: []uint64{toolKey}})

	assert.Nil(t, s.EnqueueVar("c"))
	assert.Nil(t, s.EnqueueVar("c"))

	assert.Nil(t, s.genLocalKeyIfUnset())
	first := s.localKey
	assert.Nil(t, s.genLocalKeyIfUnset())
	assert.Equal(t, first, s.localKey)
}

func TestMissingPendingNameIsStateError(t *testing.T) {
	s := NewSession(&stubRand{u64: []uint64{toolKey}})

	syn := testPacket(40001, 8080, true, false, capableOptData(false), 0)
	err := s.Process(syn, nil, Inbound)
	assert.Equal(t, ErrState, errors.Cause(err))
}

func TestCapableWrongShapeIsOptionError(t *testing.T) {
	s := NewSession(&stubRand{})

	// SYN-length MP_CAPABLE on a packet with neither SYN nor a full ACK
	// form matches no handshake step.
	pkt := testPacket(40001, 8080, false, false, capableOptData(false), 0)
	err := s.Process(pkt, nil, Inbound)
	assert.Equal(t, ErrOption, errors.Cause(err))
}

func TestJoinSyn(t *testing.T) {
	s := NewSession(&stubRand{
		u64: []uint64{toolKey},
		u32: []uint32{firstNonce, joinNonce},
	})
	doHandshake(t, s)

	joinData := joinOptData(joinSynLen)
	join := testPacket(40002, 8080, true, false, joinData, 0)
	if err := s.Process(join, nil, Inbound); err != nil {
		t.Fatal(err)
	}

	assert.Equal(t, uint8(1), joinData[1])
	assert.Equal(t, Token32(kernelKey), binary.BigEndian.Uint32(joinData[2:6]))
	assert.Equal(t, joinNonce, binary.BigEndian.Uint32(joinData[6:10]))
	assert.Equal(t, 2, len(s.subflows))
}

func TestJoinSynAckHMAC(t *testing.T) {
	s := NewSession(&stubRand{
		u64: []uint64{toolKey},
		u32: []uint32{firstNonce, joinNonce},
	})
	doHandshake(t, s)

	join := testPacket(40002, 8080, true, false, joinOptData(joinSynLen), 0)
	if err := s.Process(join, nil, Inbound); err != nil {
		t.Fatal(err)
	}

	// Kernel's answer: address ID 5, nonce 0xDEADBEEF.
	liveData := joinOptData(joinSynAckLen)
	liveData[1] = 5
	binary.BigEndian.PutUint32(liveData[10:14], 0xDEADBEEF)
	live := testPacket(8080, 40002, true, true, liveData, 0)

	scriptData := joinOptData(joinSynAckLen)
	script := testPacket(8080, 40002, true, true, scriptData, 0)
	if err := s.Process(script, live, Outbound); err != nil {
		t.Fatal(err)
	}

	assert.Equal(t, uint8(5), scriptData[1])
	assert.Equal(t, uint32(0xDEADBEEF), binary.BigEndian.Uint32(scriptData[10:14]))
	want := HMAC64(kernelKey, toolKey, 0xDEADBEEF, joinNonce)
	assert.Equal(t, want, binary.BigEndian.Uint64(scriptData[2:10]))
}

func TestJoinAckHMAC(t *testing.T) {
	s := NewSession(&stubRand{
		u64: []uint64{toolKey},
		u32: []uint32{firstNonce, joinNonce},
	})
	doHandshake(t, s)

	join := testPacket(40002, 8080, true, false, joinOptData(joinSynLen), 0)
	if err := s.Process(join, nil, Inbound); err != nil {
		t.Fatal(err)
	}

	liveData := joinOptData(joinSynAckLen)
	liveData[1] = 5
	binary.BigEndian.PutUint32(liveData[10:14], 0xDEADBEEF)
	live := testPacket(8080, 40002, true, true, liveData, 0)
	script := testPacket(8080, 40002, true, true, joinOptData(joinSynAckLen), 0)
	if err := s.Process(script, live, Outbound); err != nil {
		t.Fatal(err)
	}

	// Tool's final ACK carries the full authenticator, keyed local||peer.
	ackData := joinOptData(joinAckLen)
	ackPkt := testPacket(40002, 8080, false, true, ackData, 0)
	if err := s.Process(ackPkt, nil, Inbound); err != nil {
		t.Fatal(err)
	}

	want := HMAC160(toolKey, kernelKey, joinNonce, 0xDEADBEEF)
	assert.Equal(t, want[:], ackData[2:22])
}

func TestJoinKernelInitiated(t *testing.T) {
	s := NewSession(&stubRand{
		u64: []uint64{toolKey},
		u32: []uint32{firstNonce, joinNonce},
	})
	doHandshake(t, s)

	// Kernel opens a subflow toward the tool.
	liveData := joinOptData(joinSynLen)
	liveData[1] = 9
	binary.BigEndian.PutUint32(liveData[6:10], 0xC0FFEE00)
	live := testPacket(9090, 50001, true, false, liveData, 0)
	scriptData := joinOptData(joinSynLen)
	script := testPacket(9090, 50001, true, false, scriptData, 0)
	if err := s.Process(script, live, Outbound); err != nil {
		t.Fatal(err)
	}

	assert.Equal(t, uint8(9), scriptData[1])
	assert.Equal(t, uint32(0xC0FFEE00), binary.BigEndian.Uint32(scriptData[6:10]))
	assert.Equal(t, Token32(kernelKey), binary.BigEndian.Uint32(scriptData[2:6]))
	assert.Equal(t, 2, len(s.subflows))

	// Tool answers with a fresh nonce and the next address ID.
	synAckData := joinOptData(joinSynAckLen)
	synAck := testPacket(50001, 9090, true, true, synAckData, 0)
	if err := s.Process(synAck, nil, Inbound); err != nil {
		t.Fatal(err)
	}

	assert.Equal(t, uint8(1), synAckData[1])
	assert.Equal(t, joinNonce, binary.BigEndian.Uint32(synAckData[10:14]))
	want := HMAC64(toolKey, kernelKey, joinNonce, 0xC0FFEE00)
	assert.Equal(t, want, binary.BigEndian.Uint64(synAckData[2:10]))

	// Kernel's final ACK: full HMAC with swapped key order.
	liveAckData := joinOptData(joinAckLen)
	liveAck := testPacket(9090, 50001, false, true, liveAckData, 0)
	scriptAckData := joinOptData(joinAckLen)
	scriptAck := testPacket(9090, 50001, false, true, scriptAckData, 0)
	if err := s.Process(scriptAck, liveAck, Outbound); err != nil {
		t.Fatal(err)
	}
	wantFull := HMAC160(kernelKey, toolKey, 0xC0FFEE00, joinNonce)
	assert.Equal(t, wantFull[:], scriptAckData[2:22])
}

func TestJoinBeforeHandshakeIsStateError(t *testing.T) {
	s := NewSession(&stubRand{})

	join := testPacket(40002, 8080, true, false, joinOptData(joinSynLen), 0)
	err := s.Process(join, nil, Inbound)
	assert.Equal(t, ErrState, errors.Cause(err))
}

func TestJoinWrongLengthIsOptionError(t *testing.T) {
	s := NewSession(&stubRand{
		u64: []uint64{toolKey},
		u32: []uint32{firstNonce},
	})
	doHandshake(t, s)

	// SYN/ACK-sized option on a bare SYN.
	join := testPacket(40002, 8080, true, false, joinOptData(joinSynAckLen), 0)
	err := s.Process(join, nil, Inbound)
	assert.Equal(t, ErrOption, errors.Cause(err))
}

func TestDSSGrowth(t *testing.T) {
	s := NewSession(&stubRand{
		u64: []uint64{toolKey},
		u32: []uint32{firstNonce},
	})
	doHandshake(t, s)
	idsn, _ := s.getInitialDSN()

	// 64-bit DSN mapping with checksum: 4 + 8 + 4 + 2 + 2 bytes.
	data := dssOptData(dssFlagDSN|dssFlagDSN64, 20)
	pkt := testPacket(40001, 8080, false, true, data, 1000)
	if err := s.Process(pkt, nil, Inbound); err != nil {
		t.Fatal(err)
	}

	assert.Equal(t, idsn, binary.BigEndian.Uint64(data[2:10]))
	assert.Equal(t, uint32(0), binary.BigEndian.Uint32(data[10:14]))
	assert.Equal(t, uint16(1000), binary.BigEndian.Uint16(data[14:16]))
	assert.Equal(t, uint32(1000), s.subflows[0].subflowSeq)

	// The written checksum covers the segment with a zeroed field.
	got := binary.BigEndian.Uint16(data[16:18])
	binary.BigEndian.PutUint16(data[16:18], 0)
	segment, err := pkt.TCPSegment()
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, dssChecksum(idsn, 0, 1000, segment), got)

	// Continuation: raw DSN 1000, payload 500.
	data2 := dssOptData(dssFlagDSN|dssFlagDSN64, 20)
	binary.BigEndian.PutUint64(data2[2:10], 1000)
	pkt2 := testPacket(40001, 8080, false, true, data2, 500)
	if err := s.Process(pkt2, nil, Inbound); err != nil {
		t.Fatal(err)
	}

	assert.Equal(t, idsn+1000, binary.BigEndian.Uint64(data2[2:10]))
	assert.Equal(t, uint32(1000), binary.BigEndian.Uint32(data2[10:14]))
	assert.Equal(t, uint16(500), binary.BigEndian.Uint16(data2[14:16]))
	assert.Equal(t, uint32(1500), s.subflows[0].subflowSeq)
}

func TestDSSNoChecksumShiftsByOne(t *testing.T) {
	s := NewSession(&stubRand{
		u64: []uint64{toolKey},
		u32: []uint32{firstNonce},
	})
	doHandshake(t, s)
	idsn, _ := s.getInitialDSN()

	// Same mapping without the checksum field: 4 + 8 + 4 + 2 bytes.
	data := dssOptData(dssFlagDSN|dssFlagDSN64, 18)
	pkt := testPacket(40001, 8080, false, true, data, 0)
	if err := s.Process(pkt, nil, Inbound); err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, idsn+1, binary.BigEndian.Uint64(data[2:10]))
}

func TestDSS32BitDSN(t *testing.T) {
	s := NewSession(&stubRand{
		u64: []uint64{toolKey},
		u32: []uint32{firstNonce},
	})
	doHandshake(t, s)
	idsn, _ := s.getInitialDSN()

	// 32-bit DSN with checksum: 4 + 4 + 4 + 2 + 2 bytes. The field
	// carries the low 32 bits of the shifted sequence.
	data := dssOptData(dssFlagDSN, 16)
	binary.BigEndian.PutUint32(data[2:6], 7)
	pkt := testPacket(40001, 8080, false, true, data, 100)
	if err := s.Process(pkt, nil, Inbound); err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, uint32(idsn+7), binary.BigEndian.Uint32(data[2:6]))
}

func TestDSSDataAck(t *testing.T) {
	s := NewSession(&stubRand{
		u64: []uint64{toolKey},
		u32: []uint32{firstNonce},
	})
	doHandshake(t, s)
	idack, _ := s.getInitialDACK()

	// 64-bit DACK only: 4 + 8 bytes.
	data := dssOptData(dssFlagDataAck|dssFlagDataAck64, 12)
	binary.BigEndian.PutUint64(data[2:10], 500)
	pkt := testPacket(40001, 8080, false, true, data, 0)
	if err := s.Process(pkt, nil, Inbound); err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, idack+500, binary.BigEndian.Uint64(data[2:10]))
}

func TestDSSOutboundUntouched(t *testing.T) {
	s := NewSession(&stubRand{
		u64: []uint64{toolKey},
		u32: []uint32{firstNonce},
	})
	doHandshake(t, s)

	data := dssOptData(dssFlagDSN|dssFlagDSN64, 20)
	binary.BigEndian.PutUint64(data[2:10], 42)
	pkt := testPacket(8080, 40001, false, true, data, 100)
	if err := s.Process(pkt, pkt, Outbound); err != nil {
		t.Fatal(err)
	}

	// Kernel-side DSS fields are left uninspected and unmodified.
	assert.Equal(t, uint64(42), binary.BigEndian.Uint64(data[2:10]))
}

func TestDSSBeforeHandshakeIsStateError(t *testing.T) {
	s := NewSession(&stubRand{})

	data := dssOptData(dssFlagDSN|dssFlagDSN64, 20)
	pkt := testPacket(40001, 8080, false, true, data, 100)
	err := s.Process(pkt, nil, Inbound)
	assert.Equal(t, ErrState, errors.Cause(err))
}

func TestDSSUnknownSubflowIsOptionError(t *testing.T) {
	s := NewSession(&stubRand{
		u64: []uint64{toolKey},
		u32: []uint32{firstNonce},
	})
	doHandshake(t, s)

	data := dssOptData(dssFlagDSN|dssFlagDSN64, 20)
	pkt := testPacket(55555, 8080, false, true, data, 100)
	err := s.Process(pkt, nil, Inbound)
	assert.Equal(t, ErrOption, errors.Cause(err))
}

func TestReceiverTokenMatchesPeerKey(t *testing.T) {
	// Every MP_JOIN SYN after the handshake must advertise the token of
	// the kernel's key.
	s := NewSession(&stubRand{
		u64: []uint64{toolKey},
		u32: []uint32{firstNonce, joinNonce, 0x12345678},
	})
	doHandshake(t, s)

	for _, sport := range []uint16{40002, 40003} {
		data := joinOptData(joinSynLen)
		join := testPacket(sport, 8080, true, false, data, 0)
		if err := s.Process(join, nil, Inbound); err != nil {
			t.Fatal(err)
		}
		assert.Equal(t, Token32(kernelKey), binary.BigEndian.Uint32(data[2:6]))
	}
}

func TestUnknownSubtypePassesThrough(t *testing.T) {
	s := NewSession(&stubRand{})

	data := []byte{SubtypeAddAddr << 4, 1, 10, 0, 0, 1}
	saved := make([]byte, len(data))
	copy(saved, data)

	pkt := testPacket(40001, 8080, false, true, data, 0)
	if err := s.Process(pkt, nil, Inbound); err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, saved, data)
}
