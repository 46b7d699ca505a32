package mptcp

import (
	"crypto/sha1"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTokenAndIDSNSplitDigest(t *testing.T) {
	key := uint64(0x1122334455667788)

	var b [8]byte
	binary.BigEndian.PutUint64(b[:], key)
	sum := sha1.Sum(b[:])

	// Token is the most-significant 32 bits, the IDSN the
	// least-significant 64 bits of the same digest.
	assert.Equal(t, binary.BigEndian.Uint32(sum[0:4]), Token32(key))
	assert.Equal(t, binary.BigEndian.Uint64(sum[12:20]), IDSN64(key))
}

func TestTokenDistinctKeys(t *testing.T) {
	if Token32(1) == Token32(2) {
		t.Error("distinct keys yielded the same token")
	}
	if IDSN64(1) == IDSN64(2) {
		t.Error("distinct keys yielded the same IDSN")
	}
}

func TestHMAC64TruncatesHMAC160(t *testing.T) {
	keyA, keyB := uint64(0x1122334455667788), uint64(0xAABBCCDDEEFF0011)
	nonceA, nonceB := uint32(0xDEADBEEF), uint32(0x01020304)

	tag := HMAC160(keyA, keyB, nonceA, nonceB)
	assert.Equal(t, binary.BigEndian.Uint64(tag[0:8]), HMAC64(keyA, keyB, nonceA, nonceB))
}

func TestHMACOrderSensitive(t *testing.T) {
	// The handshake relies on the two sides keying the HMAC in opposite
	// orders; swapped inputs must not collide.
	a := HMAC64(1, 2, 3, 4)
	b := HMAC64(2, 1, 4, 3)
	if a == b {
		t.Errorf("HMAC64 insensitive to key order: %016x", a)
	}
}

func TestHMACDeterministic(t *testing.T) {
	assert.Equal(t,
		HMAC160(5, 6, 7, 8),
		HMAC160(5, 6, 7, 8))
}
