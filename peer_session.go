package torrent

import (
	"bufio"
	"fmt"
	"net"
	"slices"
	stdsync "sync"

	"github.com/RoaringBitmap/roaring"
	"github.com/anacrolix/chansync"
	"github.com/anacrolix/log"
	"github.com/anacrolix/sync"
	"github.com/elliotchance/orderedmap"

	"github.com/war1025/torrent/metainfo"
	pp "github.com/war1025/torrent/peer_protocol"
	"github.com/war1025/torrent/throttle"
)

// Longest frame we'll accept from a peer.
const maxMessageLength = 256 * 1024

// Serves block data for uploads.
type pieceGetter interface {
	GetPiece(index int) ([]byte, error)
}

// What a session needs from the torrent it belongs to.
type sessionEnv struct {
	cfg       *Config
	info      *metainfo.Info
	scheduler *PieceScheduler
	store     pieceGetter
	// Called once the session has closed.
	onClose func(*PeerSession)
}

// A connection to one peer. The listener reads and dispatches messages, the sender writes queued
// messages in order, and the retriever downloads pieces. Whether the session uses the fast
// extension is fixed at construction from the handshake.
type PeerSession struct {
	env    *sessionEnv
	conn   net.Conn
	key    string
	peerID PeerID
	fast   bool
	logger log.Logger

	// conn, metered and capped by the monitors.
	throttled throttle.Conn

	downloadMonitor *throttle.Monitor
	uploadMonitor   *throttle.Monitor
	sender          *peerSender

	mu             sync.Mutex
	peerChoking    bool
	amChoking      bool
	peerInterested bool
	amInterested   bool
	peerPieces     []bool
	// The piece being downloaded, owned by this session until handed back.
	piece *Piece
	// Another session completed our piece first.
	superseded bool
	// The peer rejected requests for the current piece.
	rejected bool
	// Broadcast when the peer unchokes us.
	unchoked chansync.BroadcastCond
	// Broadcast when the retriever should recheck its piece.
	pieceChanged chansync.BroadcastCond
	// Broadcast when the peer announces pieces.
	peerPiecesChanged chansync.BroadcastCond

	// Fast extension bookkeeping. Requests for the current piece not yet answered, keyed by
	// pp.RequestSpec in the order they were sent.
	pending *orderedmap.OrderedMap
	// Pieces the peer lets us request while it chokes us.
	allowedFast roaring.Bitmap

	// Only touched by the retriever.
	strikes        int
	piecesVerified int

	closed   chansync.SetOnce
	closeErr error
}

func newPeerSession(env *sessionEnv, conn net.Conn, hr pp.HandshakeResult) *PeerSession {
	s := &PeerSession{
		env:         env,
		conn:        conn,
		key:         conn.RemoteAddr().String(),
		peerID:      hr.PeerID,
		fast:        hr.PeerExtensionBits.SupportsFast() && env.cfg.extensionBits().SupportsFast(),
		peerChoking: true,
		amChoking:   true,
		peerPieces:  make([]bool, env.info.NumPieces()),
		pending:     orderedmap.NewOrderedMap(),
	}
	s.logger = env.cfg.Logger.WithNames("session", s.key)
	s.downloadMonitor = throttle.NewMonitor(env.cfg.DownloadRateLimit)
	s.uploadMonitor = throttle.NewMonitor(env.cfg.UploadRateLimit)
	s.throttled = throttle.Conn{
		Conn:         conn,
		ReadMonitor:  s.downloadMonitor,
		WriteMonitor: s.uploadMonitor,
	}
	s.sender = &peerSender{
		w:          s.throttled,
		closed:     &s.closed,
		logger:     s.logger,
		fillUpload: s.fillUpload,
	}
	return s
}

func (s *PeerSession) String() string {
	kind := "standard"
	if s.fast {
		kind = "fast"
	}
	return fmt.Sprintf("%v session with %v (%v)", kind, s.key, s.peerID)
}

// Starts the three goroutines and announces what we have.
func (s *PeerSession) start() {
	s.postInitial()
	go func() {
		s.close(s.sender.run(s.env.cfg.KeepAliveInterval))
	}()
	go s.listen()
	go s.retrieve()
}

func (s *PeerSession) postInitial() {
	have := s.env.scheduler.Bitfield()
	numHave := 0
	for _, b := range have {
		if b {
			numHave++
		}
	}
	switch {
	case s.fast && numHave == len(have):
		s.post(pp.Message{Type: pp.HaveAll})
	case s.fast && numHave == 0:
		s.post(pp.Message{Type: pp.HaveNone})
	case numHave != 0:
		s.post(pp.Message{Type: pp.Bitfield, Bitfield: have})
	}
	s.mu.Lock()
	s.amChoking = false
	s.mu.Unlock()
	s.post(pp.Message{Type: pp.Unchoke})
}

func (s *PeerSession) post(msg pp.Message) {
	s.sender.post(msg)
}

func (s *PeerSession) newDecoder() *pp.Decoder {
	chunkSize := int(s.env.cfg.ChunkSize)
	return &pp.Decoder{
		R:         bufio.NewReaderSize(s.throttled, 1<<16),
		MaxLength: pp.Integer(max(maxMessageLength, s.env.info.NumPieces()/8+2)),
		Pool: &stdsync.Pool{
			New: func() any {
				b := make([]byte, chunkSize)
				return &b
			},
		},
	}
}

// Closes the session. Safe to call more than once and from any goroutine. Unblocks all three
// goroutines, hands back any piece, and deregisters the session.
func (s *PeerSession) close(err error) {
	if err == nil {
		err = errSessionClosed
	}
	s.mu.Lock()
	if s.closedLocked() {
		s.mu.Unlock()
		return
	}
	s.closeErr = err
	s.amChoking = true
	p := s.piece
	s.piece = nil
	peerPieces := slices.Clone(s.peerPieces)
	s.mu.Unlock()
	s.closed.Set()
	sessionsClosed.Add(err.Error(), 1)
	s.logger.WithDefaultLevel(log.Debug).Printf("closing: %v", err)
	s.conn.Close()
	s.downloadMonitor.Close()
	s.uploadMonitor.Close()
	if p != nil {
		s.env.scheduler.ReturnPiece(p)
	}
	s.env.scheduler.RemoveBitfield(peerPieces)
	if s.env.onClose != nil {
		s.env.onClose(s)
	}
}

// Once true, the session holds no piece and never takes another.
func (s *PeerSession) closedLocked() bool {
	return s.closeErr != nil
}

func (s *PeerSession) Closed() <-chan struct{} {
	return s.closed.Done()
}

// Why the session closed, once it has.
func (s *PeerSession) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeErr
}

// Mean bytes per second received recently.
func (s *PeerSession) DownloadSpeed() int64 {
	return s.downloadMonitor.Speed()
}

func (s *PeerSession) UploadSpeed() int64 {
	return s.uploadMonitor.Speed()
}

func (s *PeerSession) PeerPieces() []bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.peerPieces)
}

// Called when any session verifies a piece. Relays have to the peer, gives up our copy of the
// piece if we were still downloading it, and drops interest if nothing else is worth having.
func (s *PeerSession) notifyHave(index int) {
	if s.closed.IsSet() {
		return
	}
	s.post(pp.MakeHaveMessage(index))
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.piece != nil && s.piece.Index() == index && !s.piece.Complete() {
		s.superseded = true
		s.cancelOutstandingLocked()
		s.pieceChanged.Broadcast()
	}
	// A piece still downloading from the peer keeps us interested.
	downloading := s.piece != nil && !s.superseded && !s.piece.Complete()
	if s.amInterested && !downloading && !s.env.scheduler.PeerInteresting(s.peerPieces) {
		s.amInterested = false
		s.post(pp.Message{Type: pp.NotInterested})
	}
}

// Cancels every request made for the current piece that hasn't been answered.
func (s *PeerSession) cancelOutstandingLocked() {
	var specs []pp.RequestSpec
	if s.fast {
		for e := s.pending.Front(); e != nil; e = e.Next() {
			specs = append(specs, e.Key.(pp.RequestSpec))
		}
		s.pending = orderedmap.NewOrderedMap()
	} else {
		specs = s.piece.NeededBlocks()
	}
	for _, rs := range specs {
		s.post(pp.MakeCancelMessage(rs))
	}
}

// Whether blocks of the piece may be requested now.
func (s *PeerSession) canRequestLocked(index int) bool {
	return !s.peerChoking || (s.fast && s.allowedFast.ContainsInt(index))
}

// The peer's pieces we may request right now: all of them when unchoked, otherwise those it
// allowed fast.
func (s *PeerSession) requestableLocked() []bool {
	ret := slices.Clone(s.peerPieces)
	if s.peerChoking {
		for i := range ret {
			ret[i] = ret[i] && s.canRequestLocked(i)
		}
	}
	return ret
}

// Sends interested if we aren't already and the peer has something we'd download.
func (s *PeerSession) updateInterestLocked() {
	if s.amInterested || !s.env.scheduler.PeerInteresting(s.peerPieces) {
		return
	}
	s.amInterested = true
	s.post(pp.Message{Type: pp.Interested})
}
