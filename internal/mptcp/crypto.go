package mptcp

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/binary"
)

// Key and nonce material is serialized big-endian before hashing, as the
// wire format mandates; none of these depend on host byte order.

// Token32 returns the most-significant 32 bits of SHA-1 over the 8-byte
// network-order serialization of key (RFC 6824 section 3.2).
func Token32(key uint64) uint32 {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], key)
	sum := sha1.Sum(b[:])
	return binary.BigEndian.Uint32(sum[0:4])
}

// IDSN64 returns the least-significant 64 bits of SHA-1 over the 8-byte
// network-order serialization of key: the initial data sequence number
// seeded by that key.
func IDSN64(key uint64) uint64 {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], key)
	sum := sha1.Sum(b[:])
	return binary.BigEndian.Uint64(sum[sha1.Size-8:])
}

// HMAC160 returns the full HMAC-SHA1 tag over the two subflow nonces,
// keyed by the concatenation keyA || keyB. The caller supplies keys and
// nonces in the direction-dependent order the handshake requires.
func HMAC160(keyA, keyB uint64, nonceA, nonceB uint32) [sha1.Size]byte {
	var key [16]byte
	binary.BigEndian.PutUint64(key[0:8], keyA)
	binary.BigEndian.PutUint64(key[8:16], keyB)

	var msg [8]byte
	binary.BigEndian.PutUint32(msg[0:4], nonceA)
	binary.BigEndian.PutUint32(msg[4:8], nonceB)

	mac := hmac.New(sha1.New, key[:])
	mac.Write(msg[:])

	var tag [sha1.Size]byte
	copy(tag[:], mac.Sum(nil))
	return tag
}

// HMAC64 returns the leading 64 bits of HMAC160, the truncated form
// carried by the MP_JOIN SYN/ACK.
func HMAC64(keyA, keyB uint64, nonceA, nonceB uint32) uint64 {
	tag := HMAC160(keyA, keyB, nonceA, nonceB)
	return binary.BigEndian.Uint64(tag[0:8])
}
