package mptcp

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Per-connection MPTCP state: the pair of 64-bit keys exchanged by
// MP_CAPABLE, the initial data sequence numbers derived from them, the
// variable bindings, and the table of subflows. One Session owns all of
// it; Process is atomic with respect to the session and packets must be
// presented in wire order.
type Session struct {
	localKey    uint64
	localKeySet bool
	peerKey     uint64
	peerKeySet  bool

	// Derived exactly once, when both keys are known.
	initialDSN  uint64
	initialDACK uint64
	initialSet  bool

	// Counter for the address IDs this side assigns.
	nextLocalAddrID uint8

	// Newest subflow first.
	subflows []*Subflow

	vars *varStore
	rand RandSource
}

// NewSession returns an empty session. A nil rand source selects the
// crypto/rand-backed default.
func NewSession(rand RandSource) *Session {
	if rand == nil {
		rand = systemRand{}
	}
	return &Session{
		vars: newVarStore(),
		rand: rand,
	}
}

// EnqueueVar registers a script variable name awaiting resolution. The
// parser calls this for each <name> token standing where a 64-bit key is
// expected.
func (s *Session) EnqueueVar(name string) error {
	return s.vars.enqueue(name)
}

// DeclareScriptValue binds a name to a literal value from the script. A
// script-defined value always wins over engine-generated and observed ones.
func (s *Session) DeclareScriptValue(name string, value []byte) {
	s.vars.bindScriptValue(name, SubtypeCapable, value)
}

// Both setters are idempotent: once a key is set it is immutable for the
// rest of the connection.

func (s *Session) setLocalKey(key uint64) {
	if s.localKeySet {
		return
	}
	s.localKey = key
	s.localKeySet = true
	log.Debug("local key %016x, token %08x", key, Token32(key))
}

func (s *Session) setPeerKey(key uint64) {
	if s.peerKeySet {
		return
	}
	s.peerKey = key
	s.peerKeySet = true
	log.Debug("peer key %016x, token %08x", key, Token32(key))
}

// Fix the initial DSN and DACK once both keys are known. Called at the
// final ACK of the initial handshake; a no-op on any later call.
func (s *Session) deriveInitial() error {
	if s.initialSet {
		return nil
	}
	if !s.localKeySet || !s.peerKeySet {
		return errors.Wrap(ErrState, "deriving initial DSN before both keys are known")
	}
	s.initialDSN = IDSN64(s.localKey)
	s.initialDACK = IDSN64(s.peerKey)
	s.initialSet = true
	log.Debug("initial DSN %016x, initial DACK %016x", s.initialDSN, s.initialDACK)
	return nil
}

func (s *Session) getInitialDSN() (uint64, error) {
	if !s.initialSet {
		return 0, errors.Wrap(ErrState, "initial DSN consulted before handshake completed")
	}
	return s.initialDSN, nil
}

func (s *Session) getInitialDACK() (uint64, error) {
	if !s.initialSet {
		return 0, errors.Wrap(ErrState, "initial DACK consulted before handshake completed")
	}
	return s.initialDACK, nil
}

// Dereference a binding to its 64-bit key value. Key refs read the live
// session slot, never a stale copy.
func (s *Session) bindingKey(b *Binding) (uint64, error) {
	if b.Owned != nil {
		if len(b.Owned) < 8 {
			return 0, errors.Wrapf(ErrState, "script value is %d bytes, key needs 8", len(b.Owned))
		}
		return binary.BigEndian.Uint64(b.Owned), nil
	}
	switch b.Ref {
	case LocalKeyRef:
		if !s.localKeySet {
			return 0, errors.Wrap(ErrState, "local key not yet set")
		}
		return s.localKey, nil
	case PeerKeyRef:
		if !s.peerKeySet {
			return 0, errors.Wrap(ErrState, "peer key not yet set")
		}
		return s.peerKey, nil
	}
	return 0, errors.Wrapf(ErrState, "unknown key ref %d", b.Ref)
}

// Pop the next pending name, require it to be bound as an MP_CAPABLE key,
// and return the key value it resolves to.
func (s *Session) consumeNextKey() (uint64, error) {
	name, ok := s.vars.pop()
	if !ok {
		return 0, errors.Wrap(ErrState, "no pending variable name")
	}
	b, ok := s.vars.lookup(name)
	if !ok {
		return 0, errors.Wrapf(ErrState, "variable %q has no binding", name)
	}
	if b.Subtype != SubtypeCapable {
		return 0, errors.Wrapf(ErrState, "variable %q is not an MP_CAPABLE key", name)
	}
	return s.bindingKey(b)
}

// Drain pending names that already resolve to MP_CAPABLE keys. Scripts
// repeat the key variables on the final handshake ACK; those names are
// satisfied by the existing bindings and must not linger at the front of
// the queue.
func (s *Session) drainBoundKeys() error {
	for {
		name, ok := s.vars.peek()
		if !ok {
			return nil
		}
		b, ok := s.vars.lookup(name)
		if !ok || b.Subtype != SubtypeCapable {
			return nil
		}
		if _, err := s.consumeNextKey(); err != nil {
			return err
		}
	}
}
