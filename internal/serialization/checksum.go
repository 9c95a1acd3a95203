package serialization

import (
	"crypto/sha256"
	"hash"
)

// ComputeChecksum returns the SHA-256 of data.
func ComputeChecksum(data []byte) [ChecksumSize]byte {
	return sha256.Sum256(data)
}

// ValidateChecksum returns ErrChecksumMismatch unless the sums are equal.
func ValidateChecksum(computed, stored [ChecksumSize]byte) error {
	if computed != stored {
		return ErrChecksumMismatch
	}
	return nil
}

func sum(h hash.Hash) [ChecksumSize]byte {
	var out [ChecksumSize]byte
	copy(out[:], h.Sum(nil))
	return out
}
