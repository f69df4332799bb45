package torrent

import (
	"slices"

	"github.com/RoaringBitmap/roaring"
	"github.com/anacrolix/chansync"
	"github.com/anacrolix/log"
	"github.com/anacrolix/missinggo/v2/panicif"
	"github.com/anacrolix/multiless"
	"github.com/anacrolix/sync"
	"github.com/google/btree"

	"github.com/war1025/torrent/metainfo"
	pp "github.com/war1025/torrent/peer_protocol"
)

// Rarity of a piece we hold. Such pieces are never counted again.
const rarityComplete = -1

// Verifies and persists completed pieces, and reports the pieces already held.
type PieceStore interface {
	SavePiece(index int, data []byte) (bool, error)
	Bitfield() ([]byte, error)
}

// Receives the index of each piece as it's verified.
type haveNotifier interface {
	NotifyHave(index int)
}

// A session waiting for a piece. Served in order of the peer's completed piece count, highest
// first, then arrival.
type pieceRequest struct {
	bitfield  []bool
	completed int
	seq       int64
	result    chan *Piece
}

func pieceRequestLess(l, r *pieceRequest) bool {
	return multiless.New().Int(r.completed, l.completed).Int64(l.seq, r.seq).Less()
}

// PieceScheduler decides which piece each session downloads next. Selection runs on a single
// worker goroutine consuming a priority queue of requests, so callers only ever block on their
// own result.
type PieceScheduler struct {
	info   *metainfo.Info
	store  PieceStore
	logger log.Logger

	mu     sync.Mutex
	queue  *btree.BTreeG[*pieceRequest]
	queued chansync.BroadcastCond
	seq    int64
	// Number of known holders of each piece, or rarityComplete.
	rarity     []int
	inProgress roaring.Bitmap
	endgame    bool
	piecesLeft int
	have       haveNotifier

	pool chan *Piece

	closed     chansync.SetOnce
	workerDone chansync.SetOnce
	complete   chansync.SetOnce
}

// Seeds the rarity of every piece already in the store as complete, and starts the worker.
func NewPieceScheduler(info *metainfo.Info, store PieceStore, cfg *Config) (*PieceScheduler, error) {
	s := &PieceScheduler{
		info:   info,
		store:  store,
		logger: cfg.Logger.WithNames("scheduler"),
		queue:  btree.NewG(2, pieceRequestLess),
		rarity: make([]int, info.NumPieces()),
		pool:   make(chan *Piece, cfg.PiecePoolSize),
	}
	held, err := store.Bitfield()
	if err != nil {
		return nil, err
	}
	bf := pp.UnmarshalBitfield(held)
	for i := range s.rarity {
		if i < len(bf) && bf[i] {
			s.rarity[i] = rarityComplete
		} else {
			s.piecesLeft++
		}
	}
	for range cfg.PiecePoolSize {
		s.pool <- newPiece(info, cfg.ChunkSize)
	}
	if s.piecesLeft == 0 {
		s.complete.Set()
	}
	s.logger.WithDefaultLevel(log.Debug).Printf("%d of %d pieces left", s.piecesLeft, len(s.rarity))
	go s.run()
	return s, nil
}

func (s *PieceScheduler) setHaveNotifier(n haveNotifier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.have = n
}

func (s *PieceScheduler) run() {
	defer s.workerDone.Set()
	for {
		s.mu.Lock()
		if s.closed.IsSet() {
			for {
				r, ok := s.queue.DeleteMin()
				if !ok {
					break
				}
				r.result <- nil
			}
			s.mu.Unlock()
			return
		}
		r, ok := s.queue.DeleteMin()
		if !ok {
			queued := s.queued.Signaled()
			s.mu.Unlock()
			select {
			case <-queued:
			case <-s.closed.Done():
			}
			continue
		}
		index, ok := s.selectLocked(r.bitfield)
		s.mu.Unlock()
		if !ok {
			r.result <- nil
			continue
		}
		// An empty pool holds up every queued request until a session returns a piece.
		select {
		case p := <-s.pool:
			panicif.Err(p.reset(index))
			r.result <- p
		case <-s.closed.Done():
			s.mu.Lock()
			s.inProgress.Remove(uint32(index))
			s.mu.Unlock()
			r.result <- nil
		}
	}
}

// Picks the rarest piece the peer has that nobody else is downloading, lowest index on ties.
// Failing that, either enters endgame or, in endgame, picks the rarest piece the peer has
// regardless of who else is downloading it.
func (s *PieceScheduler) selectLocked(bf []bool) (int, bool) {
	if i := s.rarestLocked(bf, false); i >= 0 {
		s.inProgress.AddInt(i)
		return i, true
	}
	if !s.endgame {
		s.endgame = s.endgameLocked()
		if s.endgame {
			s.logger.WithDefaultLevel(log.Debug).Printf("entering endgame with %d pieces left", s.piecesLeft)
		}
		return -1, false
	}
	i := s.rarestLocked(bf, true)
	return i, i >= 0
}

func (s *PieceScheduler) rarestLocked(bf []bool, includeInProgress bool) int {
	best := -1
	for i, has := range bf {
		if !has || i >= len(s.rarity) || s.rarity[i] <= 0 {
			continue
		}
		if !includeInProgress && s.inProgress.ContainsInt(i) {
			continue
		}
		if best == -1 || s.rarity[i] < s.rarity[best] {
			best = i
		}
	}
	return best
}

// Every piece is either complete or being downloaded.
func (s *PieceScheduler) endgameLocked() bool {
	for i, r := range s.rarity {
		if r != rarityComplete && !s.inProgress.ContainsInt(i) {
			return false
		}
	}
	return true
}

// Blocks until the worker picks a piece for a peer with the given bitfield. Returns nil if there's
// nothing suitable right now, or the scheduler closed.
func (s *PieceScheduler) RequestPiece(bitfield []bool, completed int) *Piece {
	r := &pieceRequest{
		bitfield:  slices.Clone(bitfield),
		completed: completed,
		result:    make(chan *Piece, 1),
	}
	s.mu.Lock()
	if s.closed.IsSet() {
		s.mu.Unlock()
		return nil
	}
	s.seq++
	r.seq = s.seq
	s.queue.ReplaceOrInsert(r)
	s.queued.Broadcast()
	s.mu.Unlock()
	return <-r.result
}

// Hands a piece back. Complete pieces are saved to the store, and if they verify, are never
// scheduled again and are announced to every session. Incomplete pieces are discarded. Returns
// whether the piece was verified.
func (s *PieceScheduler) ReturnPiece(p *Piece) bool {
	if p == nil {
		return false
	}
	index := p.Index()
	verified := false
	if p.Complete() {
		var err error
		verified, err = s.store.SavePiece(index, p.Data())
		if err != nil {
			s.logger.Levelf(log.Warning, "saving piece %d: %v", index, err)
			verified = false
		}
		if verified {
			pieceHashedCorrect.Add(1)
		} else {
			pieceHashedNotCorrect.Add(1)
		}
	}
	s.mu.Lock()
	newlyComplete := verified && s.rarity[index] != rarityComplete
	if newlyComplete {
		s.rarity[index] = rarityComplete
		s.piecesLeft--
	}
	s.inProgress.Remove(uint32(index))
	left := s.piecesLeft
	have := s.have
	s.mu.Unlock()
	s.pool <- p
	if newlyComplete {
		s.logger.WithDefaultLevel(log.Debug).Printf("piece %d verified, %d left", index, left)
		if have != nil {
			have.NotifyHave(index)
		}
		if left == 0 {
			s.complete.Set()
		}
	}
	return verified
}

func (s *PieceScheduler) PeerHave(index int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index >= 0 && index < len(s.rarity) && s.rarity[index] >= 0 {
		s.rarity[index]++
	}
}

func (s *PieceScheduler) PeerBitfield(bf []bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, has := range bf {
		if has && i < len(s.rarity) && s.rarity[i] >= 0 {
			s.rarity[i]++
		}
	}
}

// Undoes a departing peer's contribution to rarity.
func (s *PieceScheduler) RemoveBitfield(bf []bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, has := range bf {
		if has && i < len(s.rarity) && s.rarity[i] > 0 {
			s.rarity[i]--
		}
	}
}

// Whether the peer has a piece we'd download from it right now.
func (s *PieceScheduler) PeerInteresting(bf []bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, has := range bf {
		if has && i < len(s.rarity) && s.rarity[i] > 0 && !s.inProgress.ContainsInt(i) {
			return true
		}
	}
	return false
}

func (s *PieceScheduler) PiecesLeft() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.piecesLeft
}

func (s *PieceScheduler) HavePiece(index int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return index >= 0 && index < len(s.rarity) && s.rarity[index] == rarityComplete
}

// The pieces we hold.
func (s *PieceScheduler) Bitfield() []bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	ret := make([]bool, len(s.rarity))
	for i, r := range s.rarity {
		ret[i] = r == rarityComplete
	}
	return ret
}

// Count of pieces we hold.
func (s *PieceScheduler) NumComplete() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rarity) - s.piecesLeft
}

// Closed when every piece is held.
func (s *PieceScheduler) Complete() <-chan struct{} {
	return s.complete.Done()
}

// Stops the worker. Queued requests, and any made afterward, get nil.
func (s *PieceScheduler) Close() {
	s.mu.Lock()
	s.closed.Set()
	s.mu.Unlock()
	<-s.workerDone.Done()
}
