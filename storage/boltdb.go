package storage

import (
	"encoding/binary"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"go.etcd.io/bbolt"

	"github.com/war1025/torrent/metainfo"
)

var (
	dataBucketKey       = []byte("data")
	completionBucketKey = []byte("completion")
)

type boltDBClient struct {
	db *bbolt.DB
}

type boltDBTorrent struct {
	cl *boltDBClient
	ih metainfo.Hash
}

// Stores piece data and completion flags in a bbolt database in dir. Completion survives
// restarts, so downloads resume.
func NewBoltDB(dir string) (ClientImpl, error) {
	db, err := bbolt.Open(filepath.Join(dir, "bolt.db"), 0600, &bbolt.Options{
		Timeout: time.Second,
	})
	if err != nil {
		return nil, errors.Wrap(err, "opening bolt db")
	}
	db.NoSync = true
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, k := range [][]byte{dataBucketKey, completionBucketKey} {
			if _, err := tx.CreateBucketIfNotExists(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "creating buckets")
	}
	return &boltDBClient{db}, nil
}

func (me *boltDBClient) Close() error {
	return me.db.Close()
}

func (me *boltDBClient) OpenTorrent(info *metainfo.Info, infoHash metainfo.Hash) (TorrentImpl, error) {
	return &boltDBTorrent{me, infoHash}, nil
}

// Info hash followed by the big-endian piece index.
func (me *boltDBTorrent) key(index int) (ret [24]byte) {
	copy(ret[:], me.ih[:])
	binary.BigEndian.PutUint32(ret[20:], uint32(index))
	return
}

func (me *boltDBTorrent) ReadPiece(index int) (ret []byte, err error) {
	key := me.key(index)
	err = me.cl.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(dataBucketKey).Get(key[:])
		if v == nil {
			return errors.Errorf("no data for piece %d", index)
		}
		// Values are only valid for the life of the transaction.
		ret = append([]byte(nil), v...)
		return nil
	})
	return
}

func (me *boltDBTorrent) WritePiece(index int, data []byte) error {
	key := me.key(index)
	return me.cl.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(dataBucketKey).Put(key[:], data)
	})
}

func (me *boltDBTorrent) Completion(index int) (c Completion, err error) {
	key := me.key(index)
	err = me.cl.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(completionBucketKey).Get(key[:])
		if v == nil {
			return nil
		}
		c.Ok = true
		c.Complete = len(v) == 1 && v[0] == 1
		return nil
	})
	return
}

func (me *boltDBTorrent) SetCompletion(index int, complete bool) error {
	key := me.key(index)
	v := []byte{0}
	if complete {
		v[0] = 1
	}
	return me.cl.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(completionBucketKey).Put(key[:], v)
	})
}

func (boltDBTorrent) Close() error { return nil }
