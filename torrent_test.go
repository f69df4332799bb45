package torrent

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/go-quicktest/qt"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/war1025/torrent/metainfo"
	pp "github.com/war1025/torrent/peer_protocol"
	"github.com/war1025/torrent/storage"
)

// Connects two torrents over a pipe, handshaking as a real initiator and receiver would.
func connectTorrents(t *testing.T, initiator, receiver *Torrent) {
	a, b := net.Pipe()
	ih := initiator.InfoHash()
	type result struct {
		hr  pp.HandshakeResult
		err error
	}
	received := make(chan result, 1)
	go func() {
		hr, err := pp.Handshake(b, nil, receiver.PeerID(), receiver.ExtensionBits(), func(got metainfo.Hash) bool {
			return got == receiver.InfoHash()
		})
		received <- result{hr, err}
	}()
	hr, err := pp.Handshake(a, &ih, initiator.PeerID(), initiator.ExtensionBits(), nil)
	require.NoError(t, err)
	res := <-received
	require.NoError(t, res.err)
	require.NoError(t, initiator.AddPeer(addrConn{a, "receiver:1"}, hr))
	require.NoError(t, receiver.AddPeer(addrConn{b, "initiator:1"}, res.hr))
}

func waitNoPeers(t *testing.T, tor *Torrent) {
	deadline := time.Now().Add(testTimeout)
	for tor.NumPeers() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("%d peers remain", tor.NumPeers())
		}
		time.Sleep(time.Millisecond)
	}
}

func checkDownloaded(t *testing.T, tor *Torrent, data []byte) {
	store := tor.directory.env.store.(*storage.Client)
	bf, err := store.Bitfield()
	require.NoError(t, err)
	assert.Equal(t, []byte{0xf0}, bf)
	assert.Equal(t, []int{-1, -1, -1, -1}, tor.scheduler.rarities())
	for i := range tor.Info().NumPieces() {
		b, err := store.GetPiece(i)
		require.NoError(t, err)
		assert.Equal(t, blockData(data, tor.Info(), pp.RequestSpec{
			Index:  pp.Integer(i),
			Length: pp.Integer(tor.Info().PieceLen(i)),
		}), b)
	}
}

func TestDownloadFromSeeder(t *testing.T) {
	for _, tc := range []struct {
		name        string
		leecherFast bool
	}{
		{"Fast", true},
		{"Standard", false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			seeder, data := newTestTorrent(t, testConfig(t), true)
			leecherCfg := testConfig(t)
			leecherCfg.DisableFastExtension = !tc.leecherFast
			leecher, _ := newTestTorrent(t, leecherCfg, false)
			qt.Assert(t, qt.Equals(leecher.PiecesLeft(), 4))
			connectTorrents(t, leecher, seeder)
			waitComplete(t, leecher)
			checkDownloaded(t, leecher, data)
			// Both sides hang up once neither has anything to offer the other.
			waitNoPeers(t, leecher)
			waitNoPeers(t, seeder)
		})
	}
}

func TestDownloadFromTwoSeeders(t *testing.T) {
	seeder1, data := newTestTorrent(t, testConfig(t), true)
	seeder2, _ := newTestTorrent(t, testConfig(t), true)
	leecher, _ := newTestTorrent(t, testConfig(t), false)
	connectTorrents(t, leecher, seeder1)
	a, b := net.Pipe()
	ih := leecher.InfoHash()
	done := make(chan pp.HandshakeResult, 1)
	go func() {
		hr, err := pp.Handshake(b, &ih, seeder2.PeerID(), seeder2.ExtensionBits(), nil)
		assert.NoError(t, err)
		done <- hr
	}()
	hr, err := pp.Handshake(a, &ih, leecher.PeerID(), leecher.ExtensionBits(), nil)
	require.NoError(t, err)
	require.NoError(t, leecher.AddPeer(addrConn{a, "seeder2:1"}, hr))
	require.NoError(t, seeder2.AddPeer(addrConn{b, "leecher:1"}, <-done))
	waitComplete(t, leecher)
	checkDownloaded(t, leecher, data)
}

func TestSelfConnectionRefused(t *testing.T) {
	tor, _ := newTestTorrent(t, testConfig(t), false)
	ours, theirs := net.Pipe()
	defer theirs.Close()
	hr := pp.HandshakeResult{Hash: tor.InfoHash(), PeerID: tor.PeerID()}
	err := tor.AddPeer(addrConn{ours, "self:1"}, hr)
	assert.ErrorIs(t, err, ErrSelfConnection)
	assert.Zero(t, tor.NumPeers())
	// The refused connection is closed.
	_, err = theirs.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}

func TestDuplicatePeerRefused(t *testing.T) {
	tor, _ := newTestTorrent(t, testConfig(t), false)
	fakePeer{addr: "dup:1"}.start(t, tor)
	ours, theirs := net.Pipe()
	defer theirs.Close()
	hr := pp.HandshakeResult{Hash: tor.InfoHash()}
	copy(hr.PeerID[:], "-FAKE00-other")
	err := tor.AddPeer(addrConn{ours, "dup:1"}, hr)
	assert.ErrorIs(t, err, ErrDuplicatePeer)
	assert.Equal(t, 1, tor.NumPeers())
	assert.True(t, tor.hasPeer("dup:1"))
}

func TestInfoHashMismatchRefused(t *testing.T) {
	tor, _ := newTestTorrent(t, testConfig(t), false)
	ours, theirs := net.Pipe()
	defer theirs.Close()
	hr := pp.HandshakeResult{Hash: metainfo.HashBytes([]byte("other"))}
	assert.ErrorIs(t, tor.AddPeer(addrConn{ours, "other:1"}, hr), pp.ErrInfoHashMismatch)
	assert.Zero(t, tor.NumPeers())
}

func TestClosedTorrentRefusesPeers(t *testing.T) {
	tor, _ := newTestTorrent(t, testConfig(t), false)
	s, _ := fakePeer{addr: "early:1"}.start(t, tor)
	tor.Close()
	assert.ErrorIs(t, waitClosed(t, s), ErrDirectoryClosed)
	ours, theirs := net.Pipe()
	defer theirs.Close()
	hr := pp.HandshakeResult{Hash: tor.InfoHash()}
	assert.ErrorIs(t, tor.AddPeer(addrConn{ours, "late:1"}, hr), ErrTorrentClosed)
	_, err := tor.directory.AddPeer(addrConn{ours, "late:1"}, hr)
	assert.ErrorIs(t, err, ErrDirectoryClosed)
	assert.Zero(t, tor.NumPeers())
}

func TestClosedSessionLeavesDirectory(t *testing.T) {
	tor, _ := newTestTorrent(t, testConfig(t), false)
	s, _ := fakePeer{addr: "gone:1", bitfield: []bool{true, false, false, false}}.start(t, tor)
	require.Eventually(t, func() bool {
		return tor.scheduler.rarities()[0] == 1
	}, testTimeout, time.Millisecond)
	assert.True(t, tor.hasPeer("gone:1"))
	s.close(nil)
	waitNoPeers(t, tor)
	assert.False(t, tor.hasPeer("gone:1"))
	// Its pieces no longer count towards rarity.
	assert.Equal(t, []int{0, 0, 0, 0}, tor.scheduler.rarities())
	// The address is free for a new session.
	fakePeer{addr: "gone:1"}.start(t, tor)
	assert.True(t, tor.hasPeer("gone:1"))
}

func TestCollector(t *testing.T) {
	tor, _ := newTestTorrent(t, testConfig(t), false)
	c := tor.Collector()
	assert.Equal(t, 5, testutil.CollectAndCount(c))
	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(c))
	mfs, err := reg.Gather()
	require.NoError(t, err)
	values := make(map[string]float64)
	for _, mf := range mfs {
		m := mf.GetMetric()
		require.Len(t, m, 1)
		require.Len(t, m[0].GetLabel(), 1)
		assert.Equal(t, tor.InfoHash().HexString(), m[0].GetLabel()[0].GetValue())
		values[mf.GetName()] = m[0].GetGauge().GetValue()
	}
	assert.Equal(t, map[string]float64{
		"torrent_peers":                     0,
		"torrent_download_bytes_per_second": 0,
		"torrent_upload_bytes_per_second":   0,
		"torrent_pieces_left":               4,
		"torrent_pieces":                    4,
	}, values)
}

func TestAcceptorAndSeeker(t *testing.T) {
	seeder, data := newTestTorrent(t, testConfig(t), true)
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	acceptor := NewAcceptor(l, seeder.cfg)
	defer acceptor.Close()
	acceptor.AddTorrent(seeder)

	leecher, _ := newTestTorrent(t, testConfig(t), false)
	seeker := NewConnectionSeeker(leecher, StaticPeers{acceptor.Addr().String()})
	defer seeker.Close()
	waitComplete(t, leecher)
	checkDownloaded(t, leecher, data)
}

func TestAcceptorRefusesUnknownInfoHash(t *testing.T) {
	cfg := testConfig(t)
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	acceptor := NewAcceptor(l, cfg)
	defer acceptor.Close()
	conn, err := net.Dial("tcp", acceptor.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(testTimeout))
	ih := metainfo.HashBytes([]byte("unknown"))
	_, err = pp.Handshake(conn, &ih, RandomPeerID(), cfg.extensionBits(), nil)
	assert.Error(t, err)
}
