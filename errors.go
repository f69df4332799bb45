package torrent

import (
	"errors"
)

var (
	ErrPieceIndexOutOfRange = errors.New("piece index out of range")
	ErrDirectoryClosed      = errors.New("peer directory closed")
	ErrDuplicatePeer        = errors.New("already connected to peer")
	ErrSelfConnection       = errors.New("connected to self")
	ErrTorrentClosed        = errors.New("torrent closed")
)

// Reasons a session closed, recorded in expvar.
var (
	errChokeTimeout      = errors.New("peer kept us choked")
	errPieceTimeout      = errors.New("piece not completed in time")
	errTooManyBadPieces  = errors.New("too many pieces failed verification")
	errNothingToDownload = errors.New("nothing left to download")
	errFastNotNegotiated = errors.New("fast extension message without fast extension")
	errSessionClosed     = errors.New("session closed")
)
