package storage

import (
	"bytes"
	"crypto/sha1"
	"errors"
	"fmt"

	"github.com/anacrolix/chansync"
	"github.com/anacrolix/log"
	"github.com/anacrolix/sync"
	list "github.com/bahlo/generic-list-go"

	"github.com/war1025/torrent/metainfo"
)

var (
	ErrClosed            = errors.New("storage closed")
	ErrPieceOutOfRange   = errors.New("piece index out of range")
	ErrPieceLengthWrong  = errors.New("piece data has the wrong length")
	ErrPieceNotAvailable = errors.New("piece not held")
)

// Client serializes all access to a torrent's storage through a single worker goroutine. Each
// operation is queued and the caller blocks until the worker has evaluated it.
type Client struct {
	info   *metainfo.Info
	impl   TorrentImpl
	logger log.Logger

	mu      sync.Mutex
	ops     *list.List[func()]
	opAdded chansync.BroadcastCond
	closing bool

	closed   chansync.SetOnce
	closeErr error
}

// Opens the torrent in impl and starts the worker.
func NewClient(impl ClientImpl, info *metainfo.Info, infoHash metainfo.Hash) (*Client, error) {
	t, err := impl.OpenTorrent(info, infoHash)
	if err != nil {
		return nil, fmt.Errorf("opening torrent %v: %w", infoHash, err)
	}
	return NewTorrentClient(t, info), nil
}

func NewTorrentClient(t TorrentImpl, info *metainfo.Info) *Client {
	c := &Client{
		info:   info,
		impl:   t,
		logger: log.Default.WithNames("storage"),
		ops:    list.New[func()](),
	}
	go c.run()
	return c
}

func (c *Client) SetLogger(logger log.Logger) {
	c.logger = logger
}

func (c *Client) run() {
	for {
		c.mu.Lock()
		if c.ops.Len() == 0 {
			if c.closing {
				c.mu.Unlock()
				break
			}
			added := c.opAdded.Signaled()
			c.mu.Unlock()
			<-added
			continue
		}
		op := c.ops.Remove(c.ops.Front())
		c.mu.Unlock()
		op()
	}
	c.closeErr = c.impl.Close()
	c.closed.Set()
}

func (c *Client) submit(op func()) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closing {
		return ErrClosed
	}
	c.ops.PushBack(op)
	c.opAdded.Broadcast()
	return nil
}

// Queues f on the worker and waits for its result.
func do[T any](c *Client, f func() (T, error)) (ret T, err error) {
	done := make(chan struct{})
	var opErr error
	err = c.submit(func() {
		defer close(done)
		ret, opErr = f()
	})
	if err != nil {
		return
	}
	<-done
	err = opErr
	return
}

func (c *Client) checkIndex(index int) error {
	if index < 0 || index >= c.info.NumPieces() {
		return fmt.Errorf("%w: %d", ErrPieceOutOfRange, index)
	}
	return nil
}

// Returns the data of a piece we hold.
func (c *Client) GetPiece(index int) ([]byte, error) {
	if err := c.checkIndex(index); err != nil {
		return nil, err
	}
	return do(c, func() ([]byte, error) {
		have, err := c.havePiece(index)
		if err != nil {
			return nil, err
		}
		if !have {
			return nil, fmt.Errorf("%w: %d", ErrPieceNotAvailable, index)
		}
		return c.impl.ReadPiece(index)
	})
}

// Verifies data against the piece hash and persists it. Returns false if verification failed.
// Saving a piece that's already held succeeds without rewriting it.
func (c *Client) SavePiece(index int, data []byte) (bool, error) {
	if err := c.checkIndex(index); err != nil {
		return false, err
	}
	if int64(len(data)) != c.info.PieceLen(index) {
		return false, fmt.Errorf("%w: piece %d has %d bytes, expected %d",
			ErrPieceLengthWrong, index, len(data), c.info.PieceLen(index))
	}
	return do(c, func() (bool, error) {
		have, err := c.havePiece(index)
		if err != nil {
			return false, err
		}
		if have {
			return true, nil
		}
		sum := sha1.Sum(data)
		if want := c.info.PieceHash(index); !bytes.Equal(sum[:], want[:]) {
			c.logger.WithDefaultLevel(log.Debug).Printf("piece %d failed verification", index)
			return false, nil
		}
		if err := c.impl.WritePiece(index, data); err != nil {
			return false, fmt.Errorf("writing piece %d: %w", index, err)
		}
		if err := c.impl.SetCompletion(index, true); err != nil {
			return false, fmt.Errorf("marking piece %d complete: %w", index, err)
		}
		return true, nil
	})
}

func (c *Client) HavePiece(index int) (bool, error) {
	if err := c.checkIndex(index); err != nil {
		return false, err
	}
	return do(c, func() (bool, error) {
		return c.havePiece(index)
	})
}

func (c *Client) havePiece(index int) (bool, error) {
	comp, err := c.impl.Completion(index)
	if err != nil {
		return false, fmt.Errorf("getting completion of piece %d: %w", index, err)
	}
	return comp.Ok && comp.Complete, nil
}

// Returns the held pieces packed MSB-first, one bit per piece, ordered by piece index.
func (c *Client) Bitfield() ([]byte, error) {
	return do(c, func() ([]byte, error) {
		n := c.info.NumPieces()
		ret := make([]byte, (n+7)/8)
		for i := range n {
			have, err := c.havePiece(i)
			if err != nil {
				return nil, err
			}
			if have {
				ret[i/8] |= 0x80 >> (i % 8)
			}
		}
		return ret, nil
	})
}

// Stops accepting operations, waits for those already queued to be evaluated, and closes the
// backend.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closing = true
	c.opAdded.Broadcast()
	c.mu.Unlock()
	<-c.closed.Done()
	return c.closeErr
}
