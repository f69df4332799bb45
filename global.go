package torrent

import (
	pp "github.com/war1025/torrent/peer_protocol"
)

const (
	defaultChunkSize     = 0x4000 // 16KiB
	defaultPiecePoolSize = 15

	// Two consecutive pieces failing verification from one session closes it.
	maxConsecutiveBadPieces = 2
)

// Fast Extension ([7]|=0x04): http://bittorrent.org/beps/bep_0006.html
func defaultPeerExtensionBytes() pp.PeerExtensionBits {
	return pp.NewPeerExtensionBytes(pp.ExtensionBitFast)
}
