package storage

import (
	"github.com/war1025/torrent/metainfo"
)

// Represents data storage for an unspecified torrent.
type ClientImpl interface {
	OpenTorrent(info *metainfo.Info, infoHash metainfo.Hash) (TorrentImpl, error)
	Close() error
}

// Data storage bound to a torrent. Pieces are read and written whole. Implementations are only
// ever called from a Client's worker goroutine, so they need not be safe for concurrent use.
type TorrentImpl interface {
	ReadPiece(index int) ([]byte, error)
	WritePiece(index int, data []byte) error
	// Returns the stored completion flag. Ok is false if nothing was ever recorded for the piece.
	Completion(index int) (Completion, error)
	SetCompletion(index int, complete bool) error
	Close() error
}

type Completion struct {
	Complete bool
	Ok       bool
}
