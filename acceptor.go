package torrent

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/anacrolix/chansync"
	"github.com/anacrolix/log"
	"github.com/anacrolix/sync"
	"golang.org/x/sync/semaphore"

	"github.com/war1025/torrent/metainfo"
	pp "github.com/war1025/torrent/peer_protocol"
)

// Accepts incoming connections, handshakes them as the receiver, and routes them to the torrent
// with the info hash the peer asked for.
type Acceptor struct {
	l      net.Listener
	cfg    *Config
	logger log.Logger
	// Bounds handshakes in progress.
	handshakes *semaphore.Weighted

	mu       sync.RWMutex
	torrents map[metainfo.Hash]*Torrent

	closed chansync.SetOnce
	done   chansync.SetOnce
}

func NewAcceptor(l net.Listener, cfg *Config) *Acceptor {
	if cfg == nil {
		cfg = NewDefaultConfig()
	}
	a := &Acceptor{
		l:          l,
		cfg:        cfg,
		logger:     cfg.Logger.WithNames("acceptor"),
		handshakes: semaphore.NewWeighted(max(1, cfg.MaxConcurrentHandshakes)),
		torrents:   make(map[metainfo.Hash]*Torrent),
	}
	go a.run()
	return a
}

func (a *Acceptor) AddTorrent(t *Torrent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.torrents[t.InfoHash()] = t
}

func (a *Acceptor) RemoveTorrent(ih metainfo.Hash) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.torrents, ih)
}

func (a *Acceptor) torrent(ih metainfo.Hash) *Torrent {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.torrents[ih]
}

func (a *Acceptor) Addr() net.Addr {
	return a.l.Addr()
}

func (a *Acceptor) run() {
	defer a.done.Set()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-a.closed.Done()
		cancel()
	}()
	for {
		conn, err := a.l.Accept()
		if err != nil {
			if a.closed.IsSet() || errors.Is(err, net.ErrClosed) {
				return
			}
			a.logger.Levelf(log.Warning, "error accepting connection: %v", err)
			continue
		}
		if err := a.handshakes.Acquire(ctx, 1); err != nil {
			conn.Close()
			return
		}
		go func() {
			defer a.handshakes.Release(1)
			a.handle(conn)
		}()
	}
}

func (a *Acceptor) handle(conn net.Conn) {
	conn.SetDeadline(time.Now().Add(a.cfg.HandshakeTimeout))
	var t *Torrent
	hr, err := pp.Handshake(conn, nil, a.cfg.PeerID, a.cfg.extensionBits(), func(ih metainfo.Hash) bool {
		t = a.torrent(ih)
		return t != nil
	})
	if err != nil {
		acceptReject.Add(1)
		a.logger.WithDefaultLevel(log.Debug).Printf("handshake with %v failed: %v", conn.RemoteAddr(), err)
		conn.Close()
		return
	}
	conn.SetDeadline(time.Time{})
	if err := t.AddPeer(conn, hr); err != nil {
		a.logger.WithDefaultLevel(log.Debug).Printf("adding %v: %v", conn.RemoteAddr(), err)
	}
}

// Stops accepting. Connections already handed to torrents are unaffected.
func (a *Acceptor) Close() error {
	a.closed.Set()
	err := a.l.Close()
	<-a.done.Done()
	return err
}
