package chirp

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"errors"
)

// Hash is a 16-byte MD5 digest identifying a group or host name on the
// wire. It is a compact, fixed-width tag, not a security primitive: MD5's
// collision weaknesses are irrelevant here, only its fixed width and
// effectively-unique behavior over human-chosen strings matter.
type Hash [md5.Size]byte

// HashString returns the Hash of the UTF-8 bytes of s.
func HashString(s string) Hash {
	var h Hash
	sum := md5.Sum([]byte(s))
	copy(h[:], sum[:])
	return h
}

// String returns the canonical hex representation of the hash.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

func (h Hash) GoString() string {
	return h.String()
}

// Compare returns -1, 0 or 1 as h is lexicographically less than, equal to,
// or greater than other, ordering by the raw bytes.
func (h Hash) Compare(other Hash) int {
	return bytes.Compare(h[:], other[:])
}

// Equals reports whether h and other are the same hash.
func (h Hash) Equals(other Hash) bool {
	return h == other
}

func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

func (h *Hash) UnmarshalText(bs []byte) error {
	if len(bs) != hex.EncodedLen(len(*h)) {
		return errors.New("hash: invalid length")
	}
	_, err := hex.Decode(h[:], bs)
	return err
}
