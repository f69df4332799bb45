package torrent

import (
	"bufio"
	"math/rand"
	"net"
	"testing"
	"time"

	"github.com/anacrolix/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/war1025/torrent/metainfo"
	pp "github.com/war1025/torrent/peer_protocol"
	"github.com/war1025/torrent/storage"
)

const testTimeout = 10 * time.Second

func testConfig(t *testing.T) *Config {
	cfg := NewDefaultConfig()
	cfg.ChunkSize = 16
	cfg.IdleRetryInterval = 10 * time.Millisecond
	cfg.ChokeTimeout = testTimeout
	cfg.PieceTimeout = testTimeout
	cfg.Logger = log.Default.WithNames(t.Name())
	return cfg
}

// 4 pieces of 32 bytes, each 2 blocks of 16.
func testTorrentData() ([]byte, metainfo.Info, metainfo.Hash) {
	data := make([]byte, 128)
	rand.New(rand.NewSource(1)).Read(data)
	info := metainfo.InfoFromData("test", 32, data)
	mi := metainfo.MetaInfo{Info: info}
	ih, err := mi.HashInfoBytes()
	if err != nil {
		panic(err)
	}
	return data, info, ih
}

func blockData(data []byte, info *metainfo.Info, rs pp.RequestSpec) []byte {
	begin := int64(rs.Index)*info.PieceLength + int64(rs.Begin)
	return data[begin : begin+int64(rs.Length)]
}

func newTestStore(t *testing.T, info *metainfo.Info, ih metainfo.Hash, data []byte) *storage.Client {
	c, err := storage.NewClient(storage.NewMemory(), info, ih)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	if data != nil {
		for i := range info.NumPieces() {
			off := int64(i) * info.PieceLength
			ok, err := c.SavePiece(i, data[off:off+info.PieceLen(i)])
			require.NoError(t, err)
			require.True(t, ok)
		}
	}
	return c
}

func newTestTorrent(t *testing.T, cfg *Config, seed bool) (*Torrent, []byte) {
	data, info, ih := testTorrentData()
	var initial []byte
	if seed {
		initial = data
	}
	tor, err := NewTorrent(&info, ih, newTestStore(t, &info, ih, initial), cfg)
	require.NoError(t, err)
	t.Cleanup(tor.Close)
	return tor, data
}

type fakeAddr string

func (me fakeAddr) Network() string { return "fake" }
func (me fakeAddr) String() string  { return string(me) }

// Gives a net.Pipe end a distinct remote address.
type addrConn struct {
	net.Conn
	addr string
}

func (me addrConn) RemoteAddr() net.Addr {
	return fakeAddr(me.addr)
}

// A scripted remote peer on the other end of a pipe.
type fakePeer struct {
	addr     string
	fast     bool
	bitfield []bool
	unchoke  bool
	// Written after the bitfield and unchoke.
	initial []pp.Message
	// Called for every message received. write sends a message to the session.
	handle func(msg pp.Message, write func(pp.Message))
}

func (fp fakePeer) start(t *testing.T, tor *Torrent) (*PeerSession, <-chan pp.Message) {
	ours, theirs := net.Pipe()
	t.Cleanup(func() { theirs.Close() })
	hr := pp.HandshakeResult{Hash: tor.InfoHash()}
	copy(hr.PeerID[:], "-FAKE00-"+fp.addr)
	if fp.fast {
		hr.PeerExtensionBits = pp.NewPeerExtensionBytes(pp.ExtensionBitFast)
	}
	addr := fp.addr
	if addr == "" {
		addr = "fake:1"
	}
	received := make(chan pp.Message, 1000)
	s, err := tor.directory.AddPeer(addrConn{ours, addr}, hr)
	require.NoError(t, err)
	go func() {
		defer close(received)
		write := func(msg pp.Message) {
			theirs.Write(msg.MustMarshalBinary())
		}
		if fp.bitfield != nil {
			write(pp.Message{Type: pp.Bitfield, Bitfield: fp.bitfield})
		}
		if fp.unchoke {
			write(pp.Message{Type: pp.Unchoke})
		}
		for _, msg := range fp.initial {
			write(msg)
		}
		dec := pp.Decoder{R: bufio.NewReader(theirs), MaxLength: 1 << 20}
		for {
			var msg pp.Message
			if err := dec.Decode(&msg); err != nil {
				return
			}
			select {
			case received <- msg:
			default:
			}
			if fp.handle != nil {
				fp.handle(msg, write)
			}
		}
	}()
	return s, received
}

// Serves every request from data, optionally corrupting blocks.
func servingPeer(data []byte, info *metainfo.Info, corrupt func(rs pp.RequestSpec) bool) func(pp.Message, func(pp.Message)) {
	return func(msg pp.Message, write func(pp.Message)) {
		if msg.Keepalive || msg.Type != pp.Request {
			return
		}
		rs := msg.RequestSpec()
		b := append([]byte(nil), blockData(data, info, rs)...)
		if corrupt != nil && corrupt(rs) {
			b[0] ^= 0xff
		}
		write(pp.Message{Type: pp.Piece, Index: rs.Index, Begin: rs.Begin, Piece: b})
	}
}

func waitClosed(t *testing.T, s *PeerSession) error {
	select {
	case <-s.Closed():
		return s.Err()
	case <-time.After(testTimeout):
		t.Fatal("session didn't close")
		panic("unreachable")
	}
}

func waitComplete(t *testing.T, tor *Torrent) {
	select {
	case <-tor.Complete():
	case <-time.After(testTimeout):
		t.Fatalf("torrent incomplete, %d pieces left", tor.PiecesLeft())
	}
}

func TestTwoConsecutiveBadPiecesCloseSession(t *testing.T) {
	tor, data := newTestTorrent(t, testConfig(t), false)
	s, _ := fakePeer{
		bitfield: allTrue(4),
		unchoke:  true,
		handle: servingPeer(data, tor.Info(), func(pp.RequestSpec) bool {
			return true
		}),
	}.start(t, tor)
	err := waitClosed(t, s)
	assert.ErrorIs(t, err, errTooManyBadPieces)
	assert.Equal(t, 4, tor.PiecesLeft())
	assert.Eventually(t, func() bool { return tor.NumPeers() == 0 }, testTimeout, time.Millisecond)
	// The departed peer no longer counts towards rarity.
	for _, r := range tor.scheduler.rarities() {
		assert.Equal(t, 0, r)
	}
}

func TestSingleBadPieceIsForgiven(t *testing.T) {
	tor, data := newTestTorrent(t, testConfig(t), false)
	corrupted := false
	s, _ := fakePeer{
		bitfield: allTrue(4),
		unchoke:  true,
		handle: servingPeer(data, tor.Info(), func(rs pp.RequestSpec) bool {
			if !corrupted {
				corrupted = true
				return true
			}
			return false
		}),
	}.start(t, tor)
	waitComplete(t, tor)
	// Both sides have everything, so there's nothing left to do.
	assert.ErrorIs(t, waitClosed(t, s), errNothingToDownload)
}

func TestChokeTimeoutClosesSession(t *testing.T) {
	cfg := testConfig(t)
	cfg.ChokeTimeout = 50 * time.Millisecond
	tor, _ := newTestTorrent(t, cfg, false)
	s, _ := fakePeer{bitfield: allTrue(4)}.start(t, tor)
	assert.ErrorIs(t, waitClosed(t, s), errChokeTimeout)
}

func TestPieceTimeoutClosesSession(t *testing.T) {
	cfg := testConfig(t)
	cfg.PieceTimeout = 50 * time.Millisecond
	tor, _ := newTestTorrent(t, cfg, false)
	s, _ := fakePeer{bitfield: allTrue(4), unchoke: true}.start(t, tor)
	assert.ErrorIs(t, waitClosed(t, s), errPieceTimeout)
	// The abandoned piece went back to the scheduler.
	assert.Equal(t, 4, tor.PiecesLeft())
}

func TestSessionSendsInterestedAndRequests(t *testing.T) {
	tor, _ := newTestTorrent(t, testConfig(t), false)
	s, received := fakePeer{bitfield: allTrue(4), unchoke: true}.start(t, tor)
	defer s.close(nil)
	var types []pp.MessageType
	for msg := range received {
		types = append(types, msg.Type)
		if msg.Type == pp.Request {
			assert.EqualValues(t, 16, msg.Length)
			break
		}
	}
	assert.Equal(t, []pp.MessageType{pp.Unchoke, pp.Interested, pp.Request}, types)
}

func TestFastMessageWithoutFastExtensionClosesSession(t *testing.T) {
	tor, _ := newTestTorrent(t, testConfig(t), false)
	s, _ := fakePeer{initial: []pp.Message{{Type: pp.HaveAll}}}.start(t, tor)
	assert.ErrorIs(t, waitClosed(t, s), errFastNotNegotiated)
}

func TestBadHaveIndexClosesSession(t *testing.T) {
	tor, _ := newTestTorrent(t, testConfig(t), false)
	s, _ := fakePeer{initial: []pp.Message{pp.MakeHaveMessage(4)}}.start(t, tor)
	assert.ErrorIs(t, waitClosed(t, s), ErrPieceIndexOutOfRange)
}

func TestFastSessionAnnouncesHaveAll(t *testing.T) {
	tor, _ := newTestTorrent(t, testConfig(t), true)
	s, received := fakePeer{fast: true}.start(t, tor)
	defer s.close(nil)
	assert.True(t, s.fast)
	assert.Equal(t, pp.HaveAll, (<-received).Type)
	assert.Equal(t, pp.Unchoke, (<-received).Type)
}

func TestStandardSessionAnnouncesBitfield(t *testing.T) {
	tor, _ := newTestTorrent(t, testConfig(t), true)
	s, received := fakePeer{}.start(t, tor)
	defer s.close(nil)
	assert.False(t, s.fast)
	msg := <-received
	assert.Equal(t, pp.Bitfield, msg.Type)
	assert.Equal(t, allTrue(4), msg.Bitfield[:4])
}

func TestSessionUploads(t *testing.T) {
	tor, data := newTestTorrent(t, testConfig(t), true)
	rs := pp.RequestSpec{Index: 2, Begin: 16, Length: 16}
	s, received := fakePeer{
		handle: func(msg pp.Message, write func(pp.Message)) {
			if msg.Type == pp.Unchoke {
				write(pp.Message{Type: pp.Interested})
				write(pp.MakeRequestMessage(rs))
			}
		},
	}.start(t, tor)
	defer s.close(nil)
	for msg := range received {
		if msg.Type == pp.Piece {
			assert.Equal(t, rs, msg.RequestSpec())
			assert.Equal(t, blockData(data, tor.Info(), rs), msg.Piece)
			return
		}
	}
	t.Fatal("no piece received")
}

func TestFastSessionRejectsWhenNotUploading(t *testing.T) {
	cfg := testConfig(t)
	cfg.NoUpload = true
	tor, _ := newTestTorrent(t, cfg, true)
	rs := pp.RequestSpec{Index: 0, Begin: 0, Length: 16}
	s, received := fakePeer{
		fast: true,
		handle: func(msg pp.Message, write func(pp.Message)) {
			if msg.Type == pp.Unchoke {
				write(pp.MakeRequestMessage(rs))
			}
		},
	}.start(t, tor)
	defer s.close(nil)
	for msg := range received {
		require.NotEqual(t, pp.Piece, msg.Type)
		if msg.Type == pp.Reject {
			assert.Equal(t, rs, msg.RequestSpec())
			return
		}
	}
	t.Fatal("no reject received")
}

func TestCancelRemovesQueuedUpload(t *testing.T) {
	var sender peerSender
	rs := pp.RequestSpec{Index: 1, Begin: 0, Length: 16}
	sender.postUpload(rs)
	sender.post(pp.Message{Type: pp.Have, Index: 3})
	assert.False(t, sender.cancelUpload(pp.RequestSpec{Index: 1, Begin: 16, Length: 16}))
	assert.True(t, sender.cancelUpload(rs))
	assert.Equal(t, 1, sender.queued())
	assert.False(t, sender.cancelUpload(rs))
}

func TestFastRejectsAreRetried(t *testing.T) {
	tor, data := newTestTorrent(t, testConfig(t), false)
	serve := servingPeer(data, tor.Info(), nil)
	rejected := make(map[pp.RequestSpec]bool)
	fakePeer{
		fast:     true,
		bitfield: allTrue(4),
		unchoke:  true,
		handle: func(msg pp.Message, write func(pp.Message)) {
			if msg.Type == pp.Request && !rejected[msg.RequestSpec()] {
				rejected[msg.RequestSpec()] = true
				write(pp.MakeRejectMessage(msg.RequestSpec()))
				return
			}
			serve(msg, write)
		},
	}.start(t, tor)
	waitComplete(t, tor)
}

func TestKeepAlive(t *testing.T) {
	cfg := testConfig(t)
	cfg.KeepAliveInterval = 20 * time.Millisecond
	tor, _ := newTestTorrent(t, cfg, true)
	s, received := fakePeer{}.start(t, tor)
	defer s.close(nil)
	for msg := range received {
		if msg.Keepalive {
			return
		}
	}
	t.Fatal("no keep-alive received")
}

func TestCompletedElsewhereCancelsOutstandingRequests(t *testing.T) {
	tor, data := newTestTorrent(t, testConfig(t), false)
	requested := make(chan struct{})
	var once bool
	// Only has piece 0, and never sends it.
	_, slowReceived := fakePeer{
		addr:     "slow:1",
		bitfield: []bool{true, false, false, false},
		unchoke:  true,
		handle: func(msg pp.Message, write func(pp.Message)) {
			if msg.Type == pp.Request && !once {
				once = true
				close(requested)
			}
		},
	}.start(t, tor)
	<-requested
	fakePeer{
		addr:     "quick:1",
		bitfield: allTrue(4),
		unchoke:  true,
		handle:   servingPeer(data, tor.Info(), nil),
	}.start(t, tor)
	waitComplete(t, tor)
	want := map[pp.RequestSpec]bool{
		{Index: 0, Begin: 0, Length: 16}:  true,
		{Index: 0, Begin: 16, Length: 16}: true,
	}
	timeout := time.After(testTimeout)
	for len(want) != 0 {
		select {
		case msg, ok := <-slowReceived:
			require.True(t, ok, "slow peer disconnected")
			if msg.Type == pp.Cancel {
				delete(want, msg.RequestSpec())
			}
		case <-timeout:
			t.Fatalf("cancels not received: %v", want)
		}
	}
}

func TestClosedSessionIgnoresLateAnnouncements(t *testing.T) {
	tor, _ := newTestTorrent(t, testConfig(t), false)
	s, _ := fakePeer{bitfield: []bool{true, false, false, false}}.start(t, tor)
	require.Eventually(t, func() bool {
		return tor.scheduler.rarities()[0] == 1
	}, testTimeout, time.Millisecond)
	s.close(nil)
	waitClosed(t, s)
	// As if decoded just before the close was noticed.
	require.NoError(t, s.onHave(3))
	require.NoError(t, s.onBitfield(allTrue(4)))
	assert.Equal(t, []int{0, 0, 0, 0}, tor.scheduler.rarities())
}

func TestAllowedFastPiecesDownloadWhileChoked(t *testing.T) {
	tor, data := newTestTorrent(t, testConfig(t), false)
	serve := servingPeer(data, tor.Info(), nil)
	requests := make(chan pp.RequestSpec, 100)
	fakePeer{
		fast:     true,
		bitfield: allTrue(4),
		initial:  []pp.Message{{Type: pp.AllowedFast, Index: 2}},
		handle: func(msg pp.Message, write func(pp.Message)) {
			if msg.Type == pp.Request {
				requests <- msg.RequestSpec()
			}
			serve(msg, write)
		},
	}.start(t, tor)
	require.Eventually(t, func() bool {
		return tor.scheduler.HavePiece(2)
	}, testTimeout, time.Millisecond)
	assert.Equal(t, 3, tor.PiecesLeft())
	for {
		select {
		case rs := <-requests:
			assert.EqualValues(t, 2, rs.Index)
		default:
			return
		}
	}
}

func TestBadPieceFollowedByChokeStillCountsStrike(t *testing.T) {
	tor, data := newTestTorrent(t, testConfig(t), false)
	serve := servingPeer(data, tor.Info(), func(pp.RequestSpec) bool { return true })
	s, _ := fakePeer{
		bitfield: allTrue(4),
		unchoke:  true,
		handle: func(msg pp.Message, write func(pp.Message)) {
			serve(msg, write)
			if msg.Type == pp.Request && int64(msg.Begin+msg.Length) == tor.Info().PieceLen(msg.Index.Int()) {
				// Choke right after the final block, then carry on.
				write(pp.Message{Type: pp.Choke})
				write(pp.Message{Type: pp.Unchoke})
			}
		},
	}.start(t, tor)
	assert.ErrorIs(t, waitClosed(t, s), errTooManyBadPieces)
	assert.Equal(t, 4, tor.PiecesLeft())
}
