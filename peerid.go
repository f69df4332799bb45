package torrent

import (
	"crypto/rand"
	"encoding/hex"
)

// Azureus-style prefix identifying this client in peer IDs.
const peerIDPrefix = "-WT0100-"

type PeerID [20]byte

func (me PeerID) String() string {
	if me[0] == '-' && me[7] == '-' {
		return string(me[:8]) + hex.EncodeToString(me[8:])
	}
	return hex.EncodeToString(me[:])
}

func RandomPeerID() (ret PeerID) {
	copy(ret[:], peerIDPrefix)
	_, err := rand.Read(ret[len(peerIDPrefix):])
	if err != nil {
		panic(err)
	}
	return
}
