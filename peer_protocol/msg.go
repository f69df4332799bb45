package peer_protocol

import (
	"bufio"
	"bytes"
	"encoding"
	"encoding/binary"
	"fmt"
	"io"
)

// This is a lazy union representing all the possible fields for messages. Fields are ordered to
// minimize struct size and padding.
type Message struct {
	Piece                []byte
	Bitfield             []bool
	Index, Begin, Length Integer
	Type                 MessageType
	Keepalive            bool
}

var _ interface {
	encoding.BinaryUnmarshaler
	encoding.BinaryMarshaler
} = (*Message)(nil)

func MakeRequestMessage(rs RequestSpec) Message {
	return Message{
		Type:   Request,
		Index:  rs.Index,
		Begin:  rs.Begin,
		Length: rs.Length,
	}
}

func MakeCancelMessage(rs RequestSpec) Message {
	return Message{
		Type:   Cancel,
		Index:  rs.Index,
		Begin:  rs.Begin,
		Length: rs.Length,
	}
}

func MakeRejectMessage(rs RequestSpec) Message {
	return Message{
		Type:   Reject,
		Index:  rs.Index,
		Begin:  rs.Begin,
		Length: rs.Length,
	}
}

func MakeHaveMessage(index int) Message {
	return Message{
		Type:  Have,
		Index: Integer(index),
	}
}

func (msg Message) RequestSpec() (ret RequestSpec) {
	return RequestSpec{
		msg.Index,
		msg.Begin,
		func() Integer {
			if msg.Type == Piece {
				return Integer(len(msg.Piece))
			} else {
				return msg.Length
			}
		}(),
	}
}

func (msg Message) MustMarshalBinary() []byte {
	b, err := msg.MarshalBinary()
	if err != nil {
		panic(err)
	}
	return b
}

// Writes the message body without the length prefix.
func (msg Message) WriteTo(w io.Writer) (n int64, err error) {
	dw := newDataWriter(w)
	defer func() {
		n = dw.GetBytesWritten()
	}()

	err = dw.WriteByte(byte(msg.Type))
	if err != nil {
		return
	}

	switch msg.Type {
	case Choke, Unchoke, Interested, NotInterested, HaveAll, HaveNone:
	case Have, AllowedFast, Suggest:
		err = dw.BinaryWrite(binary.BigEndian, msg.Index)
	case Request, Cancel, Reject:
		for _, i := range []Integer{msg.Index, msg.Begin, msg.Length} {
			err = dw.BinaryWrite(binary.BigEndian, i)
			if err != nil {
				break
			}
		}
	case Bitfield:
		_, err = dw.Write(MarshalBitfield(msg.Bitfield))
	case Piece:
		for _, i := range []Integer{msg.Index, msg.Begin} {
			err = dw.BinaryWrite(binary.BigEndian, i)
			if err != nil {
				return
			}
		}
		var written int
		written, err = dw.Write(msg.Piece)
		if err != nil {
			break
		}
		if written != len(msg.Piece) {
			panic(written)
		}
	default:
		err = fmt.Errorf("unknown message type: %v", msg.Type)
	}
	return
}

const (
	msgTypeLen  = 1 // byte
	msgIndexLen = 4 // uint32
	msgBeginLen = 4 // uint32
)

// The value of the length prefix for this message.
func (msg Message) GetDataLength() (length int, err error) {
	if !msg.Keepalive {
		length += msgTypeLen
		switch msg.Type {
		case Choke, Unchoke, Interested, NotInterested, HaveAll, HaveNone:
		case Have, AllowedFast, Suggest:
			length += msgIndexLen
		case Request, Cancel, Reject:
			length += msgIndexLen + msgBeginLen + msgBeginLen
		case Bitfield:
			length += (len(msg.Bitfield) + 7) / 8
		case Piece:
			length += msgIndexLen + msgBeginLen + len(msg.Piece)
		default:
			err = fmt.Errorf("unknown message type: %v", msg.Type)
		}
	}
	return
}

func (msg Message) MarshalBinary() (data []byte, err error) {
	var buf bytes.Buffer
	if !msg.Keepalive {
		_, err = msg.WriteTo(&buf)
		if err != nil {
			return
		}
	}
	data = make([]byte, 4+buf.Len())
	binary.BigEndian.PutUint32(data, uint32(buf.Len()))
	if buf.Len() != copy(data[4:], buf.Bytes()) {
		panic("bad copy")
	}
	return
}

// Packs bits MSB-first, one per piece, padding the final byte with zeroes.
func MarshalBitfield(bf []bool) (b []byte) {
	b = make([]byte, (len(bf)+7)/8)
	for i, have := range bf {
		if !have {
			continue
		}
		b[i/8] |= 1 << uint(7-i%8)
	}
	return
}

// Unpacks every bit in b. Callers truncate to the piece count, the spare bits are padding.
func UnmarshalBitfield(b []byte) (bf []bool) {
	bf = make([]bool, 0, len(b)*8)
	for _, c := range b {
		for i := 7; i >= 0; i-- {
			bf = append(bf, (c>>uint(i))&1 == 1)
		}
	}
	return
}

func (me *Message) UnmarshalBinary(b []byte) error {
	d := Decoder{
		R:         bufio.NewReader(bytes.NewReader(b)),
		MaxLength: Integer(len(b)),
	}
	err := d.Decode(me)
	if err != nil {
		return err
	}
	if d.R.Buffered() != 0 {
		return fmt.Errorf("%d trailing bytes", d.R.Buffered())
	}
	return nil
}

type dataWriter struct {
	writer io.Writer
	n      int64
}

func (d *dataWriter) BinaryWrite(order binary.ByteOrder, data any) error {
	err := binary.Write(d.writer, order, data)
	if err != nil {
		return err
	}
	d.n += int64(binary.Size(data))
	return nil
}

func (d *dataWriter) Write(bytes []byte) (int, error) {
	n, err := d.writer.Write(bytes)
	d.n += int64(n)
	return n, err
}

func (d *dataWriter) WriteByte(b byte) error {
	_, err := d.Write([]byte{b})
	return err
}

func (d *dataWriter) GetBytesWritten() int64 {
	return d.n
}

func newDataWriter(writer io.Writer) *dataWriter {
	return &dataWriter{writer, 0}
}
