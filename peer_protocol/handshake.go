package peer_protocol

import (
	"encoding/hex"
	"fmt"
	"io"
	"math/bits"
	"strings"

	"github.com/anacrolix/missinggo/v2/panicif"
	"github.com/pkg/errors"

	"github.com/war1025/torrent/metainfo"
)

type ExtensionBit uint

// https://www.bittorrent.org/beps/bep_0004.html
const (
	ExtensionBitDht  = 0 // http://www.bittorrent.org/beps/bep_0005.html
	ExtensionBitFast = 2 // http://www.bittorrent.org/beps/bep_0006.html
	// LibTorrent Extension Protocol, http://www.bittorrent.org/beps/bep_0010.html
	ExtensionBitLtep = 20
)

// The handshake is the protocol string, 8 reserved bytes, the info hash and the peer ID.
const HandshakeLen = len(Protocol) + 8 + 20 + 20

var (
	ErrBadProtocol      = errors.New("unexpected protocol string")
	ErrInfoHashMismatch = errors.New("info hash mismatch")
	ErrUnknownInfoHash  = errors.New("unknown info hash")
)

func handshakeWriter(w io.Writer, bb <-chan []byte, done chan<- error) {
	var err error
	for b := range bb {
		_, err = w.Write(b)
		if err != nil {
			break
		}
	}
	done <- err
}

type (
	PeerExtensionBits [8]byte
)

var bitTags = []struct {
	bit ExtensionBit
	tag string
}{
	// Ordered by their bit position left to right.
	{ExtensionBitLtep, "ltep"},
	{ExtensionBitFast, "fast"},
	{ExtensionBitDht, "dht"},
}

func (pex PeerExtensionBits) String() string {
	pexHex := hex.EncodeToString(pex[:])
	tags := make([]string, 0, len(bitTags)+1)
	for _, bitTag := range bitTags {
		if pex.GetBit(bitTag.bit) {
			tags = append(tags, bitTag.tag)
			pex.SetBit(bitTag.bit, false)
		}
	}
	var unknownCount int
	for _, b := range pex {
		unknownCount += bits.OnesCount8(b)
	}
	if unknownCount != 0 {
		tags = append(tags, fmt.Sprintf("%v unknown", unknownCount))
	}
	return fmt.Sprintf("%v (%s)", pexHex, strings.Join(tags, ", "))
}

func NewPeerExtensionBytes(bits ...ExtensionBit) (ret PeerExtensionBits) {
	for _, b := range bits {
		ret.SetBit(b, true)
	}
	return
}

func (pex PeerExtensionBits) SupportsFast() bool {
	return pex.GetBit(ExtensionBitFast)
}

func (pex *PeerExtensionBits) SetBit(bit ExtensionBit, on bool) {
	if on {
		pex[7-bit/8] |= 1 << (bit % 8)
	} else {
		pex[7-bit/8] &^= 1 << (bit % 8)
	}
}

func (pex PeerExtensionBits) GetBit(bit ExtensionBit) bool {
	return pex[7-bit/8]&(1<<(bit%8)) != 0
}

type HandshakeResult struct {
	PeerExtensionBits
	PeerID [20]byte
	metainfo.Hash
}

// ih is nil if we expect the peer to declare the InfoHash, such as when the peer initiated the
// connection. In that case accept is consulted with the declared hash before we reply, and a
// refused hash gets no handshake back. When ih is given, the peer must echo it.
func Handshake(
	sock io.ReadWriter,
	ih *metainfo.Hash,
	peerID [20]byte,
	extensions PeerExtensionBits,
	accept func(metainfo.Hash) bool,
) (
	res HandshakeResult, err error,
) {
	// Bytes to be sent to the peer. Should never block the sender.
	postCh := make(chan []byte, 4)
	// A single error value sent when the writer completes.
	writeDone := make(chan error, 1)
	// Performs writes to the socket and ensures posts don't block.
	go handshakeWriter(sock, postCh, writeDone)

	defer func() {
		close(postCh) // Done writing.
		if err != nil {
			return
		}
		// Wait until writes complete before returning from handshake.
		err = <-writeDone
		if err != nil {
			err = fmt.Errorf("error writing: %w", err)
		}
	}()

	post := func(bb []byte) {
		select {
		case postCh <- bb:
		default:
			panic("mustn't block while posting")
		}
	}

	if ih != nil { // We already know what we want.
		post([]byte(Protocol))
		post(extensions[:])
		post(ih[:])
		post(peerID[:])
	}

	// Read in one hit to avoid potential overhead in underlying reader.
	b := make([]byte, HandshakeLen)
	_, err = io.ReadFull(sock, b)
	if err != nil {
		return res, fmt.Errorf("while reading: %w", err)
	}

	p := b[:len(Protocol)]
	if string(p) != Protocol {
		return res, fmt.Errorf("%w: %q", ErrBadProtocol, string(p))
	}
	b = b[len(p):]
	read := func(dst []byte) {
		n := copy(dst, b)
		panicif.NotEq(n, len(dst))
		b = b[n:]
	}
	read(res.PeerExtensionBits[:])
	read(res.Hash[:])
	read(res.PeerID[:])
	panicif.NotEq(len(b), 0)

	if ih == nil { // We were waiting for the peer to tell us what they wanted.
		if accept != nil && !accept(res.Hash) {
			return res, fmt.Errorf("%w: %v", ErrUnknownInfoHash, res.Hash)
		}
		post([]byte(Protocol))
		post(extensions[:])
		post(res.Hash[:])
		post(peerID[:])
	} else if res.Hash != *ih {
		return res, fmt.Errorf("%w: got %v", ErrInfoHashMismatch, res.Hash)
	}

	return
}
