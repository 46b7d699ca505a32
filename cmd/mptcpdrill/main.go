package main

import (
	"net"
	"os"

	"github.com/fatih/color"
	"github.com/google/gopacket/layers"
	"github.com/pkg/errors"
	flag "github.com/spf13/pflag"

	"github.com/lanikai/mptcpdrill/internal/frame"
	"github.com/lanikai/mptcpdrill/internal/logging"
	"github.com/lanikai/mptcpdrill/internal/mptcp"
	"github.com/lanikai/mptcpdrill/internal/tun"
)

var log = logging.WithTag("main")

func main() {
	flag.Parse()

	if flagHelp {
		help()
		os.Exit(0)
	}
	if flagVersion {
		version()
		os.Exit(0)
	}
	if flagVerbose {
		logging.SetLevel(logging.Debug)
	}

	dev, err := tun.Open(flagTun)
	if err != nil {
		log.Fatalf("%v", err)
	}
	defer dev.Close()

	if err := run(dev); err != nil {
		color.Red("FAIL %v", err)
		os.Exit(1)
	}
	color.Green("PASS")
}

const (
	localPort  = 40001
	remotePort = 8080
)

// Drive the MP_CAPABLE three-way handshake against the kernel behind the
// tun device. The engine draws the local key, absorbs the kernel's key
// from its SYN/ACK, and completes with the ACK carrying both.
func run(dev *tun.Device) error {
	local := net.ParseIP(flagLocalIP).To4()
	remote := net.ParseIP(flagRemoteIP).To4()
	if local == nil || remote == nil {
		return errors.Errorf("bad IPv4 address: local=%q remote=%q", flagLocalIP, flagRemoteIP)
	}

	session := mptcp.NewSession(nil)

	// SYN, MP_CAPABLE with the tool's key.
	if err := session.EnqueueVar("c"); err != nil {
		return err
	}
	syn := buildPacket(local, remote, localPort, remotePort, 0, 0, true, false, capableOption(false))
	if err := session.Process(syn, nil, mptcp.Inbound); err != nil {
		return err
	}
	if err := send(dev, syn); err != nil {
		return err
	}
	step("MP_CAPABLE SYN sent")

	// SYN/ACK, kernel's key absorbed into the session.
	reply, err := receive(dev)
	if err != nil {
		return err
	}
	if !reply.TCP.SYN || !reply.TCP.ACK {
		return errors.Errorf("expected SYN/ACK, got flags SYN=%v ACK=%v", reply.TCP.SYN, reply.TCP.ACK)
	}
	if err := session.EnqueueVar("s"); err != nil {
		return err
	}
	expected := buildPacket(remote, local, remotePort, localPort,
		reply.TCP.Seq, reply.TCP.Ack, true, true, capableOption(false))
	if err := session.Process(expected, reply, mptcp.Outbound); err != nil {
		return err
	}
	step("MP_CAPABLE SYN/ACK received")

	// ACK, both keys; this fixes the initial DSN and records the first
	// subflow.
	for _, name := range []string{"c", "s"} {
		if err := session.EnqueueVar(name); err != nil {
			return err
		}
	}
	ack := buildPacket(local, remote, localPort, remotePort, 1, reply.TCP.Seq+1, false, true, capableOption(true))
	if err := session.Process(ack, nil, mptcp.Inbound); err != nil {
		return err
	}
	if err := send(dev, ack); err != nil {
		return err
	}
	step("MP_CAPABLE ACK sent")

	return nil
}

// Option data bytes for MP_CAPABLE: version 0, checksum required,
// HMAC-SHA1. The ACK form carries both key fields.
func capableOption(withReceiverKey bool) []byte {
	n := 10
	if withReceiverKey {
		n = 18
	}
	data := make([]byte, n)
	data[0] = mptcp.SubtypeCapable << 4
	data[1] = 0x81
	return data
}

func buildPacket(src, dst net.IP, sport, dport uint16, seq, ack uint32, synFlag, ackFlag bool, optData []byte) *frame.Packet {
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    src,
		DstIP:    dst,
	}
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(sport),
		DstPort: layers.TCPPort(dport),
		Seq:     seq,
		Ack:     ack,
		SYN:     synFlag,
		ACK:     ackFlag,
		Window:  65535,
	}
	if optData != nil {
		tcp.Options = []layers.TCPOption{{
			OptionType:   mptcp.KindMPTCP,
			OptionLength: uint8(len(optData) + 2),
			OptionData:   optData,
		}}
	}
	return &frame.Packet{IP4: ip, TCP: tcp}
}

func send(dev *tun.Device, pkt *frame.Packet) error {
	raw, err := pkt.Serialize()
	if err != nil {
		return err
	}
	_, err = dev.Write(raw)
	return err
}

func receive(dev *tun.Device) (*frame.Packet, error) {
	buf := make([]byte, 2048)
	n, err := dev.ReadTimeout(buf, flagTimeout)
	if err != nil {
		return nil, err
	}
	return frame.Decode(buf[:n])
}

func step(msg string) {
	color.Green("ok   %s", msg)
}
