package peer_protocol

import (
	"bytes"
	"encoding/binary"
	"io"
)

// All integer fields on the wire are 4-byte big-endian.
type Integer uint32

func (i *Integer) Read(r io.Reader) error {
	return binary.Read(r, binary.BigEndian, i)
}

func (i *Integer) UnmarshalBinary(b []byte) error {
	return i.Read(bytes.NewReader(b))
}

func (i Integer) Int() int {
	return int(i)
}

func (i Integer) Uint32() uint32 {
	return uint32(i)
}
