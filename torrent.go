package torrent

import (
	"net"

	"github.com/anacrolix/chansync"
	"github.com/anacrolix/log"

	"github.com/war1025/torrent/metainfo"
	pp "github.com/war1025/torrent/peer_protocol"
)

// Storage a Torrent downloads into and uploads from.
type TorrentStore interface {
	PieceStore
	pieceGetter
}

// Torrent ties together the download engine for one torrent: the scheduler choosing pieces, and
// the directory of sessions downloading them.
type Torrent struct {
	info     *metainfo.Info
	infoHash metainfo.Hash
	cfg      *Config
	logger   log.Logger

	scheduler *PieceScheduler
	directory *PeerDirectory

	closed chansync.SetOnce
}

// Starts the engine for info. Pieces already in store are treated as complete. A nil cfg uses
// the defaults.
func NewTorrent(info *metainfo.Info, infoHash metainfo.Hash, store TorrentStore, cfg *Config) (*Torrent, error) {
	if cfg == nil {
		cfg = NewDefaultConfig()
	}
	t := &Torrent{
		info:     info,
		infoHash: infoHash,
		cfg:      cfg,
		logger:   cfg.Logger.WithNames(infoHash.HexString()[:8]),
	}
	scheduler, err := NewPieceScheduler(info, store, cfg)
	if err != nil {
		return nil, err
	}
	t.scheduler = scheduler
	t.directory = newPeerDirectory(sessionEnv{
		cfg:       cfg,
		info:      info,
		scheduler: scheduler,
		store:     store,
	})
	scheduler.setHaveNotifier(t.directory)
	return t, nil
}

func (t *Torrent) InfoHash() metainfo.Hash {
	return t.infoHash
}

func (t *Torrent) Info() *metainfo.Info {
	return t.info
}

// Our extension bits, for handshakes on behalf of this torrent.
func (t *Torrent) ExtensionBits() pp.PeerExtensionBits {
	return t.cfg.extensionBits()
}

func (t *Torrent) PeerID() PeerID {
	return t.cfg.PeerID
}

// Hands a handshaken connection to the engine. See PeerDirectory.AddPeer.
func (t *Torrent) AddPeer(conn net.Conn, hr pp.HandshakeResult) error {
	if t.closed.IsSet() {
		conn.Close()
		return ErrTorrentClosed
	}
	if hr.Hash != t.infoHash {
		conn.Close()
		return pp.ErrInfoHashMismatch
	}
	_, err := t.directory.AddPeer(conn, hr)
	if err != nil {
		t.logger.WithDefaultLevel(log.Debug).Printf("not adding peer %v: %v", conn.RemoteAddr(), err)
	}
	return err
}

func (t *Torrent) hasPeer(addr string) bool {
	return t.directory.Has(addr)
}

func (t *Torrent) NumPeers() int {
	return t.directory.NumPeers()
}

// Bytes per second received, averaged over the last few seconds.
func (t *Torrent) DownloadSpeed() int64 {
	return t.directory.DownloadSpeed()
}

func (t *Torrent) UploadSpeed() int64 {
	return t.directory.UploadSpeed()
}

func (t *Torrent) PiecesLeft() int {
	return t.scheduler.PiecesLeft()
}

// Closed once every piece has been downloaded and verified.
func (t *Torrent) Complete() <-chan struct{} {
	return t.scheduler.Complete()
}

// Closes every session and stops the scheduler. The store is left open for its owner to close.
func (t *Torrent) Close() {
	if !t.closed.Set() {
		return
	}
	t.directory.Close()
	t.scheduler.Close()
}
