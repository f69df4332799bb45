package torrent

import (
	"net"

	"github.com/anacrolix/log"
	"github.com/anacrolix/sync"
	"github.com/tidwall/btree"

	pp "github.com/war1025/torrent/peer_protocol"
)

// Tracks the live sessions of a torrent, keyed by remote address.
type PeerDirectory struct {
	env    *sessionEnv
	peerID PeerID
	logger log.Logger

	mu       sync.Mutex
	sessions btree.Map[string, *PeerSession]
	closed   bool
}

func newPeerDirectory(env sessionEnv) *PeerDirectory {
	d := &PeerDirectory{
		peerID: env.cfg.PeerID,
		logger: env.cfg.Logger.WithNames("directory"),
	}
	env.onClose = d.RemovePeer
	d.env = &env
	return d
}

// Starts a session on a handshaken connection. The session uses the fast extension if both sides
// advertised it. Connections to ourselves, duplicates of a live session, and anything after Close
// are refused, and the connection is closed.
func (d *PeerDirectory) AddPeer(conn net.Conn, hr pp.HandshakeResult) (_ *PeerSession, err error) {
	defer func() {
		if err != nil {
			conn.Close()
		}
	}()
	if PeerID(hr.PeerID) == d.peerID {
		connsToSelf.Add(1)
		return nil, ErrSelfConnection
	}
	key := conn.RemoteAddr().String()
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, ErrDirectoryClosed
	}
	if _, ok := d.sessions.Get(key); ok {
		d.mu.Unlock()
		return nil, ErrDuplicatePeer
	}
	s := newPeerSession(d.env, conn, hr)
	d.sessions.Set(key, s)
	d.mu.Unlock()
	d.logger.WithDefaultLevel(log.Debug).Printf("added %v", s)
	s.start()
	return s, nil
}

// Deregisters a session. Does nothing if a different session now holds its address.
func (d *PeerDirectory) RemovePeer(s *PeerSession) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.sessions.Get(s.key); ok && cur == s {
		d.sessions.Delete(s.key)
	}
}

func (d *PeerDirectory) Has(addr string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.sessions.Get(addr)
	return ok
}

func (d *PeerDirectory) snapshot() (ret []*PeerSession) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ret = make([]*PeerSession, 0, d.sessions.Len())
	d.sessions.Scan(func(_ string, s *PeerSession) bool {
		ret = append(ret, s)
		return true
	})
	return
}

// Tells every live session we now have the piece.
func (d *PeerDirectory) NotifyHave(index int) {
	for _, s := range d.snapshot() {
		s.notifyHave(index)
	}
}

func (d *PeerDirectory) NumPeers() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sessions.Len()
}

// Sum of the recent download speeds of every session.
func (d *PeerDirectory) DownloadSpeed() (ret int64) {
	for _, s := range d.snapshot() {
		ret += s.DownloadSpeed()
	}
	return
}

func (d *PeerDirectory) UploadSpeed() (ret int64) {
	for _, s := range d.snapshot() {
		ret += s.UploadSpeed()
	}
	return
}

// Closes every session and refuses new ones.
func (d *PeerDirectory) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	for _, s := range d.snapshot() {
		s.close(ErrDirectoryClosed)
	}
}
