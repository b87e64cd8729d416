package futil

import (
	"crypto/md5" //nolint:gosec // not used cryptographically, only as a stable id hash
	"encoding/binary"
)

// HashKey derives a stable 64-bit numeric score for id by hashing it with
// MD5 and zeroing the top 11 bits of the first 8 bytes before reading them
// as a big-endian integer. Zeroing those bits keeps every derived key below
// 2^53, so it can be stored without precision loss as a registry sorted-set
// score (see futil.Counter for the same constraint applied to sequences).
func HashKey(id string) uint64 {
	sum := md5.Sum([]byte(id)) //nolint:gosec

	var buf [8]byte
	copy(buf[:], sum[:8])

	// Zeroing the top 11 bits of an 8-byte big-endian integer clears all
	// of byte 0 (bits 63-56) and the top 3 bits of byte 1 (bits 55-53).
	buf[0] = 0
	buf[1] &= 0x1f

	return binary.BigEndian.Uint64(buf[:])
}
