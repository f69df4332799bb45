package torrent

import (
	"slices"
	"time"

	"github.com/anacrolix/log"
	"github.com/elliotchance/orderedmap"

	pp "github.com/war1025/torrent/peer_protocol"
)

// The download loop. Waits out chokes, trades finished pieces for new ones, requests the blocks
// still needed and waits for them to arrive.
func (s *PeerSession) retrieve() {
	s.close(s.retrieveLoop())
}

func (s *PeerSession) retrieveLoop() error {
	for {
		if s.env.scheduler.PiecesLeft() == 0 && !s.holdingPiece() {
			return s.waitMutuallyComplete()
		}
		if err := s.waitUnchoked(); err != nil {
			return err
		}
		p, idle, err := s.updateCurrentPiece()
		if err != nil {
			return err
		}
		if p == nil {
			if !idle && s.env.scheduler.PiecesLeft() == 0 {
				continue
			}
			if err := s.idle(); err != nil {
				return err
			}
			continue
		}
		s.requestBlocks(p)
		if err := s.waitPiece(p); err != nil {
			return err
		}
	}
}

// Blocks while the peer chokes us, unless it allowed fast a piece we can download. A piece that
// can't be requested is handed back first, since the peer won't be sending it. Gives up on the
// peer if the choke outlasts the choke timeout.
func (s *PeerSession) waitUnchoked() error {
	for {
		s.mu.Lock()
		if !s.peerChoking {
			s.mu.Unlock()
			return nil
		}
		if s.piece != nil && s.canRequestLocked(s.piece.Index()) {
			s.mu.Unlock()
			return nil
		}
		p := s.takePieceLocked()
		allowed := s.fast && s.env.scheduler.PeerInteresting(s.requestableLocked())
		unchoked := s.unchoked.Signaled()
		s.mu.Unlock()
		if p != nil {
			// A complete piece still counts against the peer if it fails verification.
			if err := s.handBack(p, true); err != nil {
				return err
			}
		}
		if allowed {
			return nil
		}
		timer := time.NewTimer(s.env.cfg.ChokeTimeout)
		select {
		case <-s.closed.Done():
			timer.Stop()
			return errSessionClosed
		case <-unchoked:
			timer.Stop()
		case <-timer.C:
			s.mu.Lock()
			choking := s.peerChoking
			s.mu.Unlock()
			if choking {
				return errChokeTimeout
			}
		}
	}
}

func (s *PeerSession) takePieceLocked() *Piece {
	p := s.piece
	s.piece = nil
	s.superseded = false
	s.rejected = false
	s.pending = orderedmap.NewOrderedMap()
	return p
}

// Returns the piece to keep working on, after handing back a finished, superseded or rejected
// one and asking the scheduler for another. idle is true when the session should pause before
// asking again.
func (s *PeerSession) updateCurrentPiece() (p *Piece, idle bool, err error) {
	s.mu.Lock()
	p = s.piece
	superseded := s.superseded
	rejected := s.rejected
	if p != nil && !p.Complete() && !superseded && !rejected {
		s.mu.Unlock()
		return p, false, nil
	}
	p = s.takePieceLocked()
	s.mu.Unlock()
	if p != nil {
		if err = s.handBack(p, true); err != nil {
			return nil, false, err
		}
		if rejected {
			// Let the peer settle before asking again.
			return nil, true, nil
		}
	}
	s.mu.Lock()
	bf := s.requestableLocked()
	s.mu.Unlock()
	p = s.env.scheduler.RequestPiece(bf, s.piecesVerified)
	s.mu.Lock()
	if s.closedLocked() {
		s.mu.Unlock()
		// The close path has already run, so the piece is ours to give back.
		s.env.scheduler.ReturnPiece(p)
		return nil, false, errSessionClosed
	}
	s.piece = p
	s.mu.Unlock()
	if p != nil {
		s.logger.WithDefaultLevel(log.Debug).Printf("assigned piece %d", p.Index())
	}
	return p, false, nil
}

func (s *PeerSession) holdingPiece() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.piece != nil
}

// There's nothing left for us to download. Stay connected so the peer can download from us, until
// it has everything too. Hanging up as soon as we're done would leave a seeder serving nobody.
func (s *PeerSession) waitMutuallyComplete() error {
	for {
		s.mu.Lock()
		complete := !slices.Contains(s.peerPieces, false)
		changed := s.peerPiecesChanged.Signaled()
		s.mu.Unlock()
		if complete {
			return errNothingToDownload
		}
		select {
		case <-s.closed.Done():
			return errSessionClosed
		case <-changed:
		}
	}
}

// Returns a piece to the scheduler. If it was complete and failed verification, counts a strike
// against the session, and too many in a row close it.
func (s *PeerSession) handBack(p *Piece, countStrikes bool) error {
	complete := p.Complete()
	index := p.Index()
	verified := s.env.scheduler.ReturnPiece(p)
	if !complete || !countStrikes {
		return nil
	}
	if verified {
		s.strikes = 0
		s.piecesVerified++
		return nil
	}
	s.strikes++
	s.logger.Levelf(log.Warning, "piece %d from %v failed verification (strike %d)", index, s.peerID, s.strikes)
	if s.strikes >= maxConsecutiveBadPieces {
		return errTooManyBadPieces
	}
	return nil
}

func (s *PeerSession) requestBlocks(p *Piece) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.piece != p || !s.canRequestLocked(p.Index()) {
		return
	}
	for _, rs := range p.NeededBlocks() {
		if s.fast {
			if _, ok := s.pending.Get(rs); ok {
				continue
			}
			s.pending.Set(rs, time.Now())
		}
		s.post(pp.MakeRequestMessage(rs))
	}
}

// Waits for the current piece to complete, or for something that means the retriever should
// reconsider it. A piece still incomplete at the piece timeout closes the session.
func (s *PeerSession) waitPiece(p *Piece) error {
	timer := time.NewTimer(s.env.cfg.PieceTimeout)
	defer timer.Stop()
	for {
		s.mu.Lock()
		if s.piece != p || p.Complete() || s.superseded || !s.canRequestLocked(p.Index()) || (s.fast && s.pending.Len() == 0) {
			s.mu.Unlock()
			return nil
		}
		changed := s.pieceChanged.Signaled()
		s.mu.Unlock()
		select {
		case <-s.closed.Done():
			return errSessionClosed
		case <-changed:
		case <-timer.C:
			if !p.Complete() {
				return errPieceTimeout
			}
		}
	}
}

// Pauses after the scheduler had nothing for us, until the retry interval passes or the peer
// announces more pieces.
func (s *PeerSession) idle() error {
	s.mu.Lock()
	changed := s.peerPiecesChanged.Signaled()
	s.mu.Unlock()
	select {
	case <-s.closed.Done():
		return errSessionClosed
	case <-changed:
		return nil
	case <-time.After(s.env.cfg.IdleRetryInterval):
		return nil
	}
}
