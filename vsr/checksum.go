package vsr

import (
	"encoding/hex"

	"golang.org/x/crypto/sha3"
)

// ChecksumSize is the width of every checkpoint and trailer digest.
const ChecksumSize = 16

// Checksum128 identifies checkpoints and authenticates trailer contents.
type Checksum128 [ChecksumSize]byte

// ChecksumOf digests b with SHA3-256 truncated to 128 bits.
func ChecksumOf(b []byte) Checksum128 {
	d := sha3.Sum256(b)
	var out Checksum128
	copy(out[:], d[:ChecksumSize])
	return out
}

func (c Checksum128) String() string {
	return hex.EncodeToString(c[:])
}

func ParseChecksum128(s string) (Checksum128, error) {
	var out Checksum128
	raw, err := hex.DecodeString(s)
	if err != nil {
		return out, err
	}
	if len(raw) != ChecksumSize {
		return out, errChecksumLength(len(raw))
	}
	copy(out[:], raw)
	return out, nil
}
