package storage

import (
	g "github.com/anacrolix/generics"
	"github.com/anacrolix/sync"

	"github.com/war1025/torrent/metainfo"
)

type memoryClient struct {
	mu       sync.Mutex
	torrents map[metainfo.Hash]*memoryTorrent
}

// Storage that keeps piece data in memory. Reopening the same info hash on one client sees the
// data saved earlier.
func NewMemory() ClientImpl {
	return &memoryClient{}
}

func (me *memoryClient) OpenTorrent(info *metainfo.Info, infoHash metainfo.Hash) (TorrentImpl, error) {
	me.mu.Lock()
	defer me.mu.Unlock()
	g.MakeMapIfNil(&me.torrents)
	t, ok := me.torrents[infoHash]
	if !ok {
		t = &memoryTorrent{
			pieces: make([][]byte, info.NumPieces()),
			state:  make([]g.Option[bool], info.NumPieces()),
		}
		me.torrents[infoHash] = t
	}
	return t, nil
}

func (me *memoryClient) Close() error {
	me.mu.Lock()
	defer me.mu.Unlock()
	me.torrents = nil
	return nil
}

type memoryTorrent struct {
	mu     sync.RWMutex
	pieces [][]byte
	state  []g.Option[bool]
}

func (me *memoryTorrent) ReadPiece(index int) ([]byte, error) {
	me.mu.RLock()
	defer me.mu.RUnlock()
	return append([]byte(nil), me.pieces[index]...), nil
}

func (me *memoryTorrent) WritePiece(index int, data []byte) error {
	me.mu.Lock()
	defer me.mu.Unlock()
	me.pieces[index] = append([]byte(nil), data...)
	return nil
}

func (me *memoryTorrent) Completion(index int) (c Completion, err error) {
	me.mu.RLock()
	defer me.mu.RUnlock()
	c.Complete, c.Ok = me.state[index].AsTuple()
	return
}

func (me *memoryTorrent) SetCompletion(index int, complete bool) error {
	me.mu.Lock()
	defer me.mu.Unlock()
	me.state[index].Set(complete)
	return nil
}

func (me *memoryTorrent) Close() error {
	return nil
}
