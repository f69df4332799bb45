package torrent

import (
	"fmt"

	"github.com/anacrolix/missinggo/v2/panicif"
	"github.com/anacrolix/sync"

	"github.com/war1025/torrent/metainfo"
	pp "github.com/war1025/torrent/peer_protocol"
)

// A piece being downloaded. Pieces are pooled by the scheduler and reset to a new index each
// time they're handed out, so the data buffer is reused. A piece is owned by the session holding
// it, but blocks are saved by the listener while the retriever polls completion.
type Piece struct {
	info      *metainfo.Info
	chunkSize int64

	mu     sync.Mutex
	index  int
	length int64
	data   []byte
	// Saved flags, one per block.
	saved    []bool
	numSaved int
}

func newPiece(info *metainfo.Info, chunkSize int64) *Piece {
	panicif.False(chunkSize > 0)
	return &Piece{
		info:      info,
		chunkSize: chunkSize,
		index:     -1,
		data:      make([]byte, info.PieceLength),
	}
}

// Reassigns the piece to index, forgetting all saved blocks.
func (p *Piece) reset(index int) error {
	if index < 0 || index >= p.info.NumPieces() {
		return fmt.Errorf("%w: %d not in [0, %d)", ErrPieceIndexOutOfRange, index, p.info.NumPieces())
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.index = index
	p.length = p.info.PieceLen(index)
	n := int((p.length + p.chunkSize - 1) / p.chunkSize)
	if cap(p.saved) >= n {
		p.saved = p.saved[:n]
		clear(p.saved)
	} else {
		p.saved = make([]bool, n)
	}
	p.numSaved = 0
	return nil
}

func (p *Piece) Index() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.index
}

func (p *Piece) Length() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.length
}

func (p *Piece) NumBlocks() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.saved)
}

func (p *Piece) blockSpecLocked(block int) pp.RequestSpec {
	begin := int64(block) * p.chunkSize
	return pp.RequestSpec{
		Index:  pp.Integer(p.index),
		Begin:  pp.Integer(begin),
		Length: pp.Integer(min(p.chunkSize, p.length-begin)),
	}
}

// Copies a block's data in at begin. Returns true if the block wasn't already saved. Data must be
// exactly one block, aligned to the chunk size.
func (p *Piece) SaveBlock(begin int64, data []byte) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if begin < 0 || begin%p.chunkSize != 0 || begin >= p.length {
		return false, fmt.Errorf("block offset %d not valid for piece %d of length %d", begin, p.index, p.length)
	}
	block := int(begin / p.chunkSize)
	if want := p.blockSpecLocked(block).Length; int64(len(data)) != int64(want) {
		return false, fmt.Errorf("block at %d of piece %d has length %d, expected %d", begin, p.index, len(data), want)
	}
	if p.saved[block] {
		return false, nil
	}
	copy(p.data[begin:], data)
	p.saved[block] = true
	p.numSaved++
	return true, nil
}

// True once every block has been saved.
func (p *Piece) Complete() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.completeLocked()
}

func (p *Piece) completeLocked() bool {
	return p.index >= 0 && p.numSaved == len(p.saved)
}

// Request specs for the blocks not yet saved, in offset order.
func (p *Piece) NeededBlocks() (ret []pp.RequestSpec) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, saved := range p.saved {
		if !saved {
			ret = append(ret, p.blockSpecLocked(i))
		}
	}
	return
}

// The piece's data. Only meaningful once complete.
func (p *Piece) Data() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.data[:p.length]
}
