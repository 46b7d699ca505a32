// Package frame decodes and serializes the raw IP frames exchanged with the
// kernel under test. Frames are always TCP segments; anything else is
// rejected at the decode boundary so the rewriting engine never sees it.
package frame

import (
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/pkg/errors"

	"github.com/lanikai/mptcpdrill/internal/logging"
)

var log = logging.WithTag("frame")

// A decoded TCP segment together with its IP header. Exactly one of IP4 and
// IP6 is non-nil. TCP option data aliases the decoded packet's buffer (a
// copy of the raw frame), so mutating an option in place changes what
// Serialize writes.
type Packet struct {
	IP4 *layers.IPv4
	IP6 *layers.IPv6
	TCP *layers.TCP

	// TCP payload bytes, not including any options.
	Payload []byte
}

// Decode a raw IP frame. The IP version is taken from the first nibble.
func Decode(raw []byte) (*Packet, error) {
	if len(raw) < 1 {
		return nil, errors.New("frame: empty")
	}

	var first gopacket.LayerType
	switch raw[0] >> 4 {
	case 4:
		first = layers.LayerTypeIPv4
	case 6:
		first = layers.LayerTypeIPv6
	default:
		return nil, errors.Errorf("frame: unknown IP version %d", raw[0]>>4)
	}

	decoded := gopacket.NewPacket(raw, first, gopacket.Default)
	if errLayer := decoded.ErrorLayer(); errLayer != nil {
		return nil, errors.Wrap(errLayer.Error(), "frame: decode")
	}

	tcpLayer := decoded.Layer(layers.LayerTypeTCP)
	if tcpLayer == nil {
		return nil, errors.New("frame: not a TCP segment")
	}
	tcp := tcpLayer.(*layers.TCP)

	pkt := &Packet{TCP: tcp, Payload: tcp.LayerPayload()}
	switch first {
	case layers.LayerTypeIPv4:
		pkt.IP4 = decoded.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	case layers.LayerTypeIPv6:
		pkt.IP6 = decoded.Layer(layers.LayerTypeIPv6).(*layers.IPv6)
	}

	log.Debug("decoded %s:%d > %s:%d, %d payload bytes",
		pkt.SrcIP(), pkt.SrcPort(), pkt.DstIP(), pkt.DstPort(), len(pkt.Payload))
	return pkt, nil
}

func (p *Packet) SrcIP() net.IP {
	if p.IP4 != nil {
		return p.IP4.SrcIP
	}
	return p.IP6.SrcIP
}

func (p *Packet) DstIP() net.IP {
	if p.IP4 != nil {
		return p.IP4.DstIP
	}
	return p.IP6.DstIP
}

func (p *Packet) SrcPort() uint16 {
	return uint16(p.TCP.SrcPort)
}

func (p *Packet) DstPort() uint16 {
	return uint16(p.TCP.DstPort)
}

// Number of TCP payload bytes carried by this segment, from the IP and TCP
// header length fields when the frame came off the wire. The TCP options
// region contributes no payload.
func (p *Packet) PayloadLen() int {
	if p.IP4 != nil && p.IP4.Length > 0 {
		return int(p.IP4.Length) - int(p.IP4.IHL)*4 - int(p.TCP.DataOffset)*4
	}
	if p.IP6 != nil && p.IP6.Length > 0 {
		return int(p.IP6.Length) - int(p.TCP.DataOffset)*4
	}
	// Hand-built packet with no wire lengths yet.
	return len(p.Payload)
}

// Serialize the TCP header (with current option bytes) plus payload, with a
// zero TCP checksum field. This is the coverage of the DSS checksum.
func (p *Packet) TCPSegment() ([]byte, error) {
	p.TCP.Checksum = 0
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true}
	err := gopacket.SerializeLayers(buf, opts, p.TCP, gopacket.Payload(p.Payload))
	if err != nil {
		return nil, errors.Wrap(err, "frame: serialize TCP segment")
	}
	return buf.Bytes(), nil
}

// Serialize the whole frame, recomputing lengths and checksums.
func (p *Packet) Serialize() ([]byte, error) {
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}

	var err error
	if p.IP4 != nil {
		if err = p.TCP.SetNetworkLayerForChecksum(p.IP4); err == nil {
			err = gopacket.SerializeLayers(buf, opts, p.IP4, p.TCP, gopacket.Payload(p.Payload))
		}
	} else {
		if err = p.TCP.SetNetworkLayerForChecksum(p.IP6); err == nil {
			err = gopacket.SerializeLayers(buf, opts, p.IP6, p.TCP, gopacket.Payload(p.Payload))
		}
	}
	if err != nil {
		return nil, errors.Wrap(err, "frame: serialize")
	}
	return buf.Bytes(), nil
}
