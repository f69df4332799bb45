package peer_protocol

import (
	"bufio"
	"fmt"
	"io"

	"github.com/pkg/errors"
)

var (
	ErrMessageTooLong = errors.New("message too long")
	ErrPieceTooLong   = errors.New("piece data longer than expected")
)

// Recycles piece data buffers, such as a *sync.Pool.
type BufferPool interface {
	Get() any
	Put(any)
}

type Decoder struct {
	R *bufio.Reader
	// Optional. Must return *[]byte where the slices can fit data for piece messages. The block
	// size should not change for the life of the decoder.
	Pool      BufferPool
	MaxLength Integer
}

// io.EOF is returned if the source terminates cleanly on a message boundary. Any frame that is
// truncated, over-long, of unknown type, or whose length disagrees with its type is an error.
func (d *Decoder) Decode(msg *Message) (err error) {
	var length Integer
	err = length.Read(d.R)
	if err != nil {
		return fmt.Errorf("reading message length: %w", err)
	}
	if length > d.MaxLength {
		return ErrMessageTooLong
	}
	if length == 0 {
		msg.Keepalive = true
		return
	}
	msg.Keepalive = false
	r := d.R
	// From this point onwards, EOF is unexpected
	defer func() {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
	}()
	c, err := r.ReadByte()
	if err != nil {
		return
	}
	length--
	msg.Type = MessageType(c)
	switch msg.Type {
	case Choke, Unchoke, Interested, NotInterested, HaveAll, HaveNone:
	case Have, AllowedFast, Suggest:
		if length < 4 {
			return fmt.Errorf("short %v message", msg.Type)
		}
		length -= 4
		err = msg.Index.Read(r)
	case Request, Cancel, Reject:
		if length < 12 {
			return fmt.Errorf("short %v message", msg.Type)
		}
		for _, data := range []*Integer{&msg.Index, &msg.Begin, &msg.Length} {
			err = data.Read(r)
			if err != nil {
				break
			}
		}
		length -= 12
	case Bitfield:
		b := make([]byte, length)
		_, err = io.ReadFull(r, b)
		msg.Bitfield = UnmarshalBitfield(b)
		return
	case Piece:
		if length < 8 {
			return fmt.Errorf("short %v message", msg.Type)
		}
		for _, pi := range []*Integer{&msg.Index, &msg.Begin} {
			err = pi.Read(r)
			if err != nil {
				return
			}
		}
		length -= 8
		dataLen := int64(length)
		if d.Pool == nil {
			msg.Piece = make([]byte, dataLen)
		} else {
			buf := d.Pool.Get().(*[]byte)
			if int64(cap(*buf)) < dataLen {
				d.Pool.Put(buf)
				msg.Piece = nil
				return ErrPieceTooLong
			}
			msg.Piece = *buf
			msg.Piece = msg.Piece[:dataLen]
		}
		_, err = io.ReadFull(r, msg.Piece)
		return
	default:
		err = fmt.Errorf("unknown message type %#v", c)
	}
	if err == nil && length != 0 {
		err = fmt.Errorf("%v unused bytes in message type %v", length, msg.Type)
	}
	return
}
