package mptcp

import (
	"fmt"
	"net"

	"github.com/lanikai/mptcpdrill/internal/frame"
)

// One TCP flow inside the MPTCP session. The 4-tuple is recorded from the
// tool's perspective: source is the tool, destination is the kernel under
// test. The nonce and address-ID fields not known at creation are filled
// in during the MP_JOIN exchange; subflowSeq grows by the payload length
// of each inbound mapped segment.
type Subflow struct {
	srcIP   net.IP
	dstIP   net.IP
	srcPort uint16
	dstPort uint16

	localRand uint32
	peerRand  uint32

	localAddrID uint8
	peerAddrID  uint8

	// Cumulative subflow-level byte count.
	subflowSeq uint32
}

func (sf *Subflow) String() string {
	return fmt.Sprintf("%s:%d>%s:%d id %d/%d seq %d",
		sf.srcIP, sf.srcPort, sf.dstIP, sf.dstPort,
		sf.localAddrID, sf.peerAddrID, sf.subflowSeq)
}

// Record a subflow opened by a scripted tool-side packet. The packet's
// source is the tool; a fresh nonce is drawn and the next local address ID
// assigned.
func (s *Session) createInbound(pkt *frame.Packet) *Subflow {
	sf := &Subflow{
		srcIP:       pkt.SrcIP(),
		dstIP:       pkt.DstIP(),
		srcPort:     pkt.SrcPort(),
		dstPort:     pkt.DstPort(),
		localRand:   s.rand.Uint32(),
		localAddrID: s.nextLocalAddrID,
	}
	s.nextLocalAddrID++
	s.subflows = append([]*Subflow{sf}, s.subflows...)
	log.Debug("new inbound subflow %s", sf)
	return sf
}

// Record a subflow initiated by the kernel. The live packet's source is
// the kernel, so the tuple is swapped into the tool's perspective. The
// local nonce and address ID are filled in when the tool answers.
func (s *Session) createOutbound(pkt *frame.Packet) *Subflow {
	sf := &Subflow{
		srcIP:   pkt.DstIP(),
		dstIP:   pkt.SrcIP(),
		srcPort: pkt.DstPort(),
		dstPort: pkt.SrcPort(),
	}
	s.subflows = append([]*Subflow{sf}, s.subflows...)
	log.Debug("new outbound subflow %s", sf)
	return sf
}

// Find the subflow an inbound (tool -> kernel) packet belongs to.
func (s *Session) findInbound(pkt *frame.Packet) *Subflow {
	return s.findBySocket(pkt.SrcPort(), pkt.DstPort())
}

// Find the subflow an outbound (kernel -> tool) packet belongs to. The
// live packet is written from the kernel's perspective, so the ports swap.
func (s *Session) findOutbound(pkt *frame.Packet) *Subflow {
	return s.findBySocket(pkt.DstPort(), pkt.SrcPort())
}

// Linear scan; test sessions have O(10) subflows.
func (s *Session) findBySocket(localPort, remotePort uint16) *Subflow {
	for _, sf := range s.subflows {
		if sf.srcPort == localPort && sf.dstPort == remotePort {
			return sf
		}
	}
	return nil
}

func (sf *Subflow) advanceSeq(payloadLen int) {
	sf.subflowSeq += uint32(payloadLen)
}
