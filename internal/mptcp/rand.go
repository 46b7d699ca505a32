package mptcp

import (
	"crypto/rand"
	"encoding/binary"
)

// Source of the random keys and subflow nonces a session draws. Passed in
// at session construction so tests can substitute a fixed sequence.
type RandSource interface {
	Uint32() uint32
	Uint64() uint64
}

// Default source, backed by crypto/rand.
type systemRand struct{}

func (systemRand) Uint32() uint32 {
	var b [4]byte
	rand.Read(b[:])
	return binary.BigEndian.Uint32(b[:])
}

func (systemRand) Uint64() uint64 {
	var b [8]byte
	rand.Read(b[:])
	return binary.BigEndian.Uint64(b[:])
}
