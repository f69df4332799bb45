package metainfo

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
)

const HashSize = 20

// 20-byte SHA-1 digest, used for the info hash and piece hashes.
type Hash [HashSize]byte

func (h Hash) Bytes() []byte {
	return h[:]
}

func (h Hash) HexString() string {
	return hex.EncodeToString(h[:])
}

func (h Hash) String() string {
	return h.HexString()
}

func (h Hash) IsZero() bool {
	return h == Hash{}
}

func HashBytes(b []byte) (ret Hash) {
	return sha1.Sum(b)
}

func NewHashFromHex(s string) (h Hash, err error) {
	n, err := hex.Decode(h[:], []byte(s))
	if err != nil {
		return
	}
	if n != HashSize {
		err = fmt.Errorf("expected %d bytes, got %d", HashSize, n)
	}
	return
}
