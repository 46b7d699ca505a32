package mptcp

import (
	"github.com/pkg/errors"

	"github.com/lanikai/mptcpdrill/internal/frame"
)

// Process visits every MPTCP option of a scripted packet and fills in, or
// absorbs from the live packet, the fields that depend on the session's
// keys, nonces and sequence state. For inbound packets live equals pkt
// (nil is accepted as shorthand); for outbound packets live is the frame
// captured from the kernel.
//
// State mutated by an earlier option of the packet is visible to later
// ones. The first failing option aborts the packet; mutations already
// applied are not rolled back, a test failing mid-packet is terminal.
func (s *Session) Process(pkt, live *frame.Packet, dir Direction) error {
	if live == nil {
		live = pkt
	}

	for i := range pkt.TCP.Options {
		topt := &pkt.TCP.Options[i]
		if topt.OptionType != KindMPTCP {
			continue
		}
		o := opt(topt.OptionData)
		if len(o) < 2 {
			return errors.Wrapf(ErrOption, "MPTCP option of %d bytes", o.length())
		}

		var err error
		switch o.subtype() {
		case SubtypeCapable:
			err = s.processCapable(pkt, live, o, dir)
		case SubtypeJoin:
			err = s.processJoin(pkt, live, o, dir)
		case SubtypeDSS:
			err = s.processDSS(pkt, o, dir)
		default:
			// ADD_ADDR, MP_PRIO etc. carry no derived fields; leave the
			// scripted bytes alone.
			log.Debug("passing through MPTCP subtype %d", o.subtype())
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// Find the live packet's MPTCP option with the given subtype.
func liveOption(live *frame.Packet, subtype byte) (opt, error) {
	for i := range live.TCP.Options {
		topt := &live.TCP.Options[i]
		if topt.OptionType != KindMPTCP || len(topt.OptionData) < 2 {
			continue
		}
		o := opt(topt.OptionData)
		if o.subtype() == subtype {
			return o, nil
		}
	}
	return nil, errors.Wrapf(ErrOption, "live packet carries no MPTCP subtype %d", subtype)
}

// MP_CAPABLE. The SYN forms establish the two session keys; the final ACK
// repeats both keys, fixes the initial DSN/DACK, and records the first
// subflow.
func (s *Session) processCapable(pkt, live *frame.Packet, o opt, dir Direction) error {
	syn, ack := pkt.TCP.SYN, pkt.TCP.ACK

	switch {
	case o.length() == capableSynLen && syn && dir == Inbound:
		// Covers both the SYN and a tool-synthesized SYN/ACK.
		if err := s.genLocalKeyIfUnset(); err != nil {
			return err
		}
		o.setCapableSenderKey(s.localKey)

	case o.length() == capableSynLen && syn && dir == Outbound:
		lo, err := liveOption(live, SubtypeCapable)
		if err != nil {
			return err
		}
		if lo.length() < capableSynLen {
			return errors.Wrapf(ErrOption, "live MP_CAPABLE of %d bytes", lo.length())
		}
		if err := s.extractPeerKey(lo); err != nil {
			return err
		}
		o.setCapableSenderKey(s.localKey)

	case o.length() == capableAckLen && ack && !syn:
		if !s.localKeySet || !s.peerKeySet {
			return errors.Wrap(ErrState, "MP_CAPABLE ACK before both keys are known")
		}
		o.setCapableSenderKey(s.localKey)
		o.setCapableReceiverKey(s.peerKey)
		if err := s.deriveInitial(); err != nil {
			return err
		}
		if dir == Inbound {
			s.createInbound(pkt)
		} else {
			s.createOutbound(pkt)
		}
		// Scripts name the keys again on the final ACK.
		if err := s.drainBoundKeys(); err != nil {
			return err
		}

	default:
		return errors.Wrapf(ErrOption, "MP_CAPABLE of %d bytes with SYN=%v ACK=%v %s",
			o.length(), syn, ack, dir)
	}
	return nil
}

// Resolve the tool-side key for an MP_CAPABLE SYN the tool is sending. A
// script-defined value for the pending name wins; otherwise the first call
// draws a random key. The pending name is consumed and bound either way,
// so a repeat of the same name resolves through the binding.
func (s *Session) genLocalKeyIfUnset() error {
	name, ok := s.vars.peek()
	if !ok {
		return errors.Wrap(ErrState, "no pending variable name for MP_CAPABLE key")
	}

	if b, bound := s.vars.lookup(name); bound {
		if b.scriptDefined() && b.Subtype == SubtypeCapable {
			key, err := s.bindingKey(b)
			if err != nil {
				return err
			}
			s.setLocalKey(key)
		}
	} else {
		if !s.localKeySet {
			s.setLocalKey(s.rand.Uint64())
		}
		s.vars.bindKeyRef(name, LocalKeyRef)
	}

	s.vars.pop()
	return nil
}

// Adopt the kernel's key from a live MP_CAPABLE SYN. A script-defined
// value for the pending name declares what the kernel is expected to send
// and wins over the observed bytes.
func (s *Session) extractPeerKey(lo opt) error {
	name, ok := s.vars.peek()
	if !ok {
		return errors.Wrap(ErrState, "no pending variable name for MP_CAPABLE key")
	}

	if b, bound := s.vars.lookup(name); bound && b.scriptDefined() && b.Subtype == SubtypeCapable {
		key, err := s.bindingKey(b)
		if err != nil {
			return err
		}
		s.setPeerKey(key)
		s.vars.pop()
		return nil
	}

	if !s.peerKeySet {
		s.setPeerKey(lo.capableSenderKey())
	}
	if _, bound := s.vars.lookup(name); !bound {
		s.vars.bindKeyRef(name, PeerKeyRef)
	}
	s.vars.pop()
	return nil
}

// MP_JOIN. Six cases on (direction, flags, length); anything else is a
// malformed or misplaced option. The key and nonce ordering inside the
// HMACs flips with direction, which is what lets the kernel validate the
// tool's authenticator.
func (s *Session) processJoin(pkt, live *frame.Packet, o opt, dir Direction) error {
	if !s.localKeySet || !s.peerKeySet {
		return errors.Wrap(ErrState, "MP_JOIN before the MP_CAPABLE handshake completed")
	}
	syn, ack := pkt.TCP.SYN, pkt.TCP.ACK

	switch {
	case dir == Inbound && syn && !ack && o.length() == joinSynLen:
		// Tool opens a new subflow.
		sf := s.createInbound(pkt)
		o.setJoinAddrID(sf.localAddrID)
		o.setJoinSynToken(Token32(s.peerKey))
		o.setJoinSynNonce(sf.localRand)

	case dir == Outbound && syn && ack && o.length() == joinSynAckLen:
		// Kernel answers the tool's join.
		sf := s.findOutbound(live)
		if sf == nil {
			return errors.Wrap(ErrOption, "MP_JOIN SYN/ACK matches no subflow")
		}
		lo, err := liveOption(live, SubtypeJoin)
		if err != nil {
			return err
		}
		if lo.length() < joinSynAckLen {
			return errors.Wrapf(ErrOption, "live MP_JOIN SYN/ACK of %d bytes", lo.length())
		}
		sf.peerAddrID = lo.joinAddrID()
		sf.peerRand = lo.joinSynAckNonce()
		o.setJoinAddrID(sf.peerAddrID)
		o.setJoinSynAckNonce(sf.peerRand)
		o.setJoinSynAckHMAC(HMAC64(s.peerKey, s.localKey, sf.peerRand, sf.localRand))

	case dir == Inbound && ack && !syn && o.length() == joinAckLen:
		// Tool completes its join with the full authenticator.
		sf := s.findInbound(pkt)
		if sf == nil {
			return errors.Wrap(ErrOption, "MP_JOIN ACK matches no subflow")
		}
		o.setJoinAckHMAC(HMAC160(s.localKey, s.peerKey, sf.localRand, sf.peerRand))

	case dir == Outbound && syn && !ack && o.length() == joinSynLen:
		// Kernel opens a new subflow.
		lo, err := liveOption(live, SubtypeJoin)
		if err != nil {
			return err
		}
		if lo.length() < joinSynLen {
			return errors.Wrapf(ErrOption, "live MP_JOIN SYN of %d bytes", lo.length())
		}
		sf := s.createOutbound(live)
		sf.peerAddrID = lo.joinAddrID()
		sf.peerRand = lo.joinSynNonce()
		o.setJoinAddrID(sf.peerAddrID)
		o.setJoinSynNonce(sf.peerRand)
		o.setJoinSynToken(Token32(s.peerKey))

	case dir == Inbound && syn && ack && o.length() == joinSynAckLen:
		// Tool answers a kernel-initiated join.
		sf := s.findInbound(pkt)
		if sf == nil {
			return errors.Wrap(ErrOption, "MP_JOIN SYN/ACK matches no subflow")
		}
		sf.localRand = s.rand.Uint32()
		sf.localAddrID = s.nextLocalAddrID
		s.nextLocalAddrID++
		o.setJoinAddrID(sf.localAddrID)
		o.setJoinSynAckNonce(sf.localRand)
		o.setJoinSynAckHMAC(HMAC64(s.localKey, s.peerKey, sf.localRand, sf.peerRand))

	case dir == Outbound && ack && !syn && o.length() == joinAckLen:
		// Kernel completes its join; key order swaps with the direction.
		sf := s.findOutbound(live)
		if sf == nil {
			return errors.Wrap(ErrOption, "MP_JOIN ACK matches no subflow")
		}
		o.setJoinAckHMAC(HMAC160(s.peerKey, s.localKey, sf.peerRand, sf.localRand))

	default:
		return errors.Wrapf(ErrOption, "MP_JOIN of %d bytes with SYN=%v ACK=%v %s",
			o.length(), syn, ack, dir)
	}
	return nil
}

// DSS. The script writes data sequence numbers relative to zero; the
// engine shifts them by the initial DSN/DACK and fills in the subflow
// sequence and mapping length. Outbound DSS options are not checked: the
// host's TCP-level sequence comparison already covers kernel-sent data.
func (s *Session) processDSS(pkt *frame.Packet, o opt, dir Direction) error {
	if dir == Outbound {
		return nil
	}

	d, err := parseDSS(o)
	if err != nil {
		return err
	}

	if d.hasDSN {
		idsn, err := s.getInitialDSN()
		if err != nil {
			return err
		}
		payloadLen := pkt.PayloadLen()

		dsn := idsn + d.dsn()
		if !d.hasCsum {
			// Without a checksum the mapping starts one byte later: the
			// DATA_FIN of the initial exchange occupies one byte of
			// data-sequence space.
			dsn++
		}
		d.setDSN(dsn)
		d.setDataLevelLength(uint16(payloadLen))

		sf := s.findInbound(pkt)
		if sf == nil {
			return errors.Wrap(ErrOption, "DSS mapping matches no subflow")
		}
		ssn := sf.subflowSeq
		d.setSubflowSeq(ssn)
		sf.advanceSeq(payloadLen)

		if d.hasCsum {
			d.setChecksum(0)
			segment, err := pkt.TCPSegment()
			if err != nil {
				return err
			}
			d.setChecksum(dssChecksum(dsn, ssn, uint16(payloadLen), segment))
		}
		log.Debug("DSS map dsn=%016x ssn=%d len=%d", dsn, ssn, payloadLen)
	}

	if d.hasAck {
		idack, err := s.getInitialDACK()
		if err != nil {
			return err
		}
		d.setDataAck(idack + d.dataAck())
	}
	return nil
}
