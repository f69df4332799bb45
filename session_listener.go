package torrent

import (
	"fmt"
	"io"

	"github.com/anacrolix/log"
	"github.com/pkg/errors"

	pp "github.com/war1025/torrent/peer_protocol"
)

// Reads and dispatches messages until the connection fails or the session closes.
func (s *PeerSession) listen() {
	decoder := s.newDecoder()
	for {
		var msg pp.Message
		err := decoder.Decode(&msg)
		if s.closed.IsSet() {
			return
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = errors.Wrap(err, "peer hung up")
			} else {
				err = errors.Wrap(err, "reading message")
			}
			s.close(err)
			return
		}
		if msg.Keepalive {
			receivedKeepalives.Add(1)
			continue
		}
		messageTypesReceived.Add(msg.Type.String(), 1)
		err = s.handleMessage(msg)
		if msg.Type == pp.Piece && msg.Piece != nil {
			decoder.Pool.Put(&msg.Piece)
		}
		if err != nil {
			s.close(fmt.Errorf("handling %v: %w", msg.Type, err))
			return
		}
	}
}

func (s *PeerSession) handleMessage(msg pp.Message) error {
	if msg.Type.FastExtension() && !s.fast {
		return errFastNotNegotiated
	}
	switch msg.Type {
	case pp.Choke:
		s.mu.Lock()
		s.peerChoking = true
		s.pieceChanged.Broadcast()
		s.mu.Unlock()
	case pp.Unchoke:
		s.mu.Lock()
		s.peerChoking = false
		s.unchoked.Broadcast()
		s.mu.Unlock()
	case pp.Interested:
		s.mu.Lock()
		s.peerInterested = true
		s.mu.Unlock()
	case pp.NotInterested:
		s.mu.Lock()
		s.peerInterested = false
		s.mu.Unlock()
	case pp.Have:
		return s.onHave(msg.Index.Int())
	case pp.Bitfield:
		return s.onBitfield(msg.Bitfield)
	case pp.HaveAll:
		all := make([]bool, s.env.info.NumPieces())
		for i := range all {
			all[i] = true
		}
		return s.onBitfield(all)
	case pp.HaveNone:
		return s.onBitfield(make([]bool, s.env.info.NumPieces()))
	case pp.Request:
		s.onRequest(msg.RequestSpec())
	case pp.Cancel:
		s.sender.cancelUpload(msg.RequestSpec())
	case pp.Piece:
		return s.onPiece(msg)
	case pp.Reject:
		s.onReject(msg.RequestSpec())
	case pp.Suggest:
		// Advisory only. Selection stays with the scheduler.
		return s.checkPieceIndex(msg.Index.Int())
	case pp.AllowedFast:
		if err := s.checkPieceIndex(msg.Index.Int()); err != nil {
			return err
		}
		s.mu.Lock()
		s.allowedFast.AddInt(msg.Index.Int())
		// A choked retriever may now have something to request.
		s.unchoked.Broadcast()
		s.mu.Unlock()
	default:
		return fmt.Errorf("received unknown message type: %#v", msg.Type)
	}
	return nil
}

func (s *PeerSession) checkPieceIndex(index int) error {
	if index < 0 || index >= s.env.info.NumPieces() {
		return fmt.Errorf("%w: %d", ErrPieceIndexOutOfRange, index)
	}
	return nil
}

func (s *PeerSession) onHave(index int) error {
	if err := s.checkPieceIndex(index); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closedLocked() || s.peerPieces[index] {
		return nil
	}
	s.peerPieces[index] = true
	s.env.scheduler.PeerHave(index)
	s.peerPiecesChanged.Broadcast()
	s.updateInterestLocked()
	return nil
}

// Replaces the peer's pieces wholesale, as for bitfield, have-all and have-none.
func (s *PeerSession) onBitfield(bf []bool) error {
	numPieces := s.env.info.NumPieces()
	if len(bf) < numPieces {
		return fmt.Errorf("bitfield has %d bits, need %d", len(bf), numPieces)
	}
	for _, b := range bf[numPieces:] {
		if b {
			return errors.New("bitfield has spare bits set")
		}
	}
	bf = bf[:numPieces]
	s.mu.Lock()
	defer s.mu.Unlock()
	// The close path has already withdrawn our pieces from rarity.
	if s.closedLocked() {
		return nil
	}
	s.env.scheduler.RemoveBitfield(s.peerPieces)
	s.peerPieces = append(s.peerPieces[:0], bf...)
	s.env.scheduler.PeerBitfield(s.peerPieces)
	s.peerPiecesChanged.Broadcast()
	s.updateInterestLocked()
	return nil
}

// Queues the block if we'll serve it. Refusals are silent, except on fast sessions where the
// peer is told with a reject.
func (s *PeerSession) onRequest(rs pp.RequestSpec) {
	if s.canServe(rs) {
		s.sender.postUpload(rs)
		return
	}
	if s.fast {
		s.post(pp.MakeRejectMessage(rs))
	}
}

func (s *PeerSession) canServe(rs pp.RequestSpec) bool {
	if s.env.cfg.NoUpload {
		return false
	}
	s.mu.Lock()
	choking := s.amChoking
	s.mu.Unlock()
	if choking {
		return false
	}
	index := rs.Index.Int()
	if s.checkPieceIndex(index) != nil {
		return false
	}
	if rs.Length == 0 || int64(rs.Begin)+int64(rs.Length) > s.env.info.PieceLen(index) {
		return false
	}
	if int64(rs.Length) > 2*s.env.cfg.ChunkSize {
		return false
	}
	if !s.env.scheduler.HavePiece(index) {
		requestsReceivedForMissingPieces.Add(1)
		return false
	}
	return true
}

// Loads the block data for an upload as it reaches the front of the send queue.
func (s *PeerSession) fillUpload(msg *pp.Message) bool {
	rs := uploadSpec(*msg)
	data, err := s.env.store.GetPiece(rs.Index.Int())
	if err != nil {
		s.logger.Levelf(log.Warning, "reading piece %d for upload: %v", rs.Index, err)
		if s.fast {
			*msg = pp.MakeRejectMessage(rs)
			return true
		}
		return false
	}
	msg.Piece = data[rs.Begin : rs.Begin+rs.Length]
	return true
}

func (s *PeerSession) onPiece(msg pp.Message) error {
	rs := msg.RequestSpec()
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.piece
	if p == nil || p.Index() != rs.Index.Int() {
		torrent.Add("chunks received unwanted", 1)
		return nil
	}
	if s.fast {
		s.pending.Delete(rs)
	}
	saved, err := p.SaveBlock(int64(rs.Begin), msg.Piece)
	if err != nil {
		return err
	}
	if saved {
		torrent.Add("chunks received", 1)
	} else {
		torrent.Add("chunks received duplicate", 1)
	}
	if p.Complete() || (s.fast && s.pending.Len() == 0) {
		s.pieceChanged.Broadcast()
	}
	return nil
}

func (s *PeerSession) onReject(rs pp.RequestSpec) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pending.Get(rs); !ok {
		s.logger.WithDefaultLevel(log.Debug).Printf("peer rejected %v, which we didn't request", rs)
		return
	}
	s.pending.Delete(rs)
	s.rejected = true
	if s.pending.Len() == 0 {
		s.pieceChanged.Broadcast()
	}
}
