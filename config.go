package torrent

import (
	"time"

	"github.com/anacrolix/log"
	"golang.org/x/time/rate"

	pp "github.com/war1025/torrent/peer_protocol"
)

// Probably not safe to modify this after it's given to a Torrent.
type Config struct {
	// Size of the blocks pieces are requested in.
	ChunkSize int64 `long:"chunk-size"`
	// Number of reusable pieces, and so the number of pieces that can be downloading at once.
	PiecePoolSize int `long:"piece-pool-size"`
	// How long a session waits to be unchoked before giving up on the peer.
	ChokeTimeout time.Duration
	// How long a session waits for all the blocks of its piece to arrive.
	PieceTimeout time.Duration
	// Pause before asking the scheduler again when it had nothing for a session.
	IdleRetryInterval time.Duration
	// The sender writes a keep-alive when nothing else was written for this long.
	KeepAliveInterval time.Duration

	// Bytes per second, per session. <= 0 is unlimited.
	DownloadRateLimit int64 `long:"download-rate"`
	UploadRateLimit   int64 `long:"upload-rate"`
	// Don't serve block requests from peers.
	NoUpload bool `long:"no-upload"`
	// Don't advertise the fast extension, so every session is a standard one.
	DisableFastExtension bool

	PeerID PeerID
	Logger log.Logger

	HandshakeTimeout time.Duration
	DialTimeout      time.Duration
	// How often the seeker runs through the candidate peers.
	SeekInterval time.Duration
	// How often the seeker checks back while the peer source hasn't started.
	SeekRetryInterval       time.Duration
	MaxConcurrentDials      int
	DialRateLimiter         *rate.Limiter
	MaxConcurrentHandshakes int64
}

func NewDefaultConfig() *Config {
	return &Config{
		ChunkSize:               defaultChunkSize,
		PiecePoolSize:           defaultPiecePoolSize,
		ChokeTimeout:            300 * time.Second,
		PieceTimeout:            200 * time.Second,
		IdleRetryInterval:       15 * time.Second,
		KeepAliveInterval:       2 * time.Minute,
		PeerID:                  RandomPeerID(),
		Logger:                  log.Default.WithNames("torrent"),
		HandshakeTimeout:        18 * time.Second,
		DialTimeout:             10 * time.Second,
		SeekInterval:            450 * time.Second,
		SeekRetryInterval:       30 * time.Second,
		MaxConcurrentDials:      10,
		DialRateLimiter:         rate.NewLimiter(10, 10),
		MaxConcurrentHandshakes: 10,
	}
}

func (cfg *Config) extensionBits() pp.PeerExtensionBits {
	ret := defaultPeerExtensionBytes()
	if cfg.DisableFastExtension {
		ret.SetBit(pp.ExtensionBitFast, false)
	}
	return ret
}
