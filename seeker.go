package torrent

import (
	"context"
	"net"
	"time"

	"github.com/anacrolix/chansync"
	"github.com/anacrolix/log"
	"golang.org/x/sync/errgroup"

	pp "github.com/war1025/torrent/peer_protocol"
)

// Supplies candidate peer addresses, such as from a tracker.
type PeerSource interface {
	// Whether the source has made contact yet, so Peers is worth consulting.
	Started() bool
	Peers() []string
}

// A PeerSource with a fixed list of addresses.
type StaticPeers []string

func (StaticPeers) Started() bool { return true }

func (me StaticPeers) Peers() []string { return me }

// Periodically dials the candidates from a PeerSource that we aren't already connected to, and
// adds those that handshake to the torrent.
type ConnectionSeeker struct {
	t      *Torrent
	source PeerSource
	cfg    *Config
	logger log.Logger
	dialer net.Dialer

	closed chansync.SetOnce
	done   chansync.SetOnce
}

func NewConnectionSeeker(t *Torrent, source PeerSource) *ConnectionSeeker {
	s := &ConnectionSeeker{
		t:      t,
		source: source,
		cfg:    t.cfg,
		logger: t.logger.WithNames("seeker"),
		dialer: net.Dialer{Timeout: t.cfg.DialTimeout},
	}
	go s.run()
	return s
}

func (s *ConnectionSeeker) run() {
	defer s.done.Set()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-s.closed.Done()
		cancel()
	}()
	for {
		interval := s.cfg.SeekRetryInterval
		if s.source.Started() {
			s.seek(ctx)
			interval = s.cfg.SeekInterval
		}
		select {
		case <-s.closed.Done():
			return
		case <-s.t.closed.Done():
			return
		case <-time.After(interval):
		}
	}
}

// One pass over the candidates.
func (s *ConnectionSeeker) seek(ctx context.Context) {
	g, ctx := errgroup.WithContext(ctx)
	if s.cfg.MaxConcurrentDials > 0 {
		g.SetLimit(s.cfg.MaxConcurrentDials)
	}
	for _, addr := range s.source.Peers() {
		if s.t.hasPeer(addr) {
			continue
		}
		if s.cfg.DialRateLimiter != nil {
			if err := s.cfg.DialRateLimiter.Wait(ctx); err != nil {
				break
			}
		}
		g.Go(func() error {
			if err := s.connect(ctx, addr); err != nil {
				s.logger.WithDefaultLevel(log.Debug).Printf("connecting to %v: %v", addr, err)
			}
			return nil
		})
	}
	g.Wait()
}

// Dials addr, handshakes as the initiator and hands the connection to the torrent.
func (s *ConnectionSeeker) connect(ctx context.Context, addr string) error {
	conn, err := s.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		unsuccessfulDials.Add(1)
		return err
	}
	successfulDials.Add(1)
	conn.SetDeadline(time.Now().Add(s.cfg.HandshakeTimeout))
	ih := s.t.infoHash
	hr, err := pp.Handshake(conn, &ih, s.cfg.PeerID, s.t.ExtensionBits(), nil)
	if err != nil {
		conn.Close()
		return err
	}
	conn.SetDeadline(time.Time{})
	return s.t.AddPeer(conn, hr)
}

func (s *ConnectionSeeker) Close() {
	s.closed.Set()
	<-s.done.Done()
}
