package torrent

import (
	"io"
	"time"

	"github.com/anacrolix/chansync"
	"github.com/anacrolix/log"
	"github.com/anacrolix/sync"
	list "github.com/bahlo/generic-list-go"

	pp "github.com/war1025/torrent/peer_protocol"
)

// Writes a session's outbound messages strictly in the order they were posted. The queue is
// unbounded, so posting never blocks.
type peerSender struct {
	w      io.Writer
	closed *chansync.SetOnce
	logger log.Logger
	// Loads the data for a queued piece message just before it's written. Returns false to drop
	// the message, or a replacement message to send instead.
	fillUpload func(msg *pp.Message) bool

	mu       sync.Mutex
	outbound list.List[pp.Message]
	posted   chansync.BroadcastCond
}

func (me *peerSender) post(msg pp.Message) {
	me.mu.Lock()
	defer me.mu.Unlock()
	me.outbound.PushBack(msg)
	me.posted.Broadcast()
}

// Queues a piece message for the requested block. Its data is read when it reaches the front of
// the queue, so a cancel arriving before then costs nothing.
func (me *peerSender) postUpload(rs pp.RequestSpec) {
	me.post(pp.Message{
		Type:   pp.Piece,
		Index:  rs.Index,
		Begin:  rs.Begin,
		Length: rs.Length,
	})
}

// Removes a queued upload that hasn't been written yet. Returns whether one was found.
func (me *peerSender) cancelUpload(rs pp.RequestSpec) bool {
	me.mu.Lock()
	defer me.mu.Unlock()
	for e := me.outbound.Front(); e != nil; e = e.Next() {
		if e.Value.Type == pp.Piece && e.Value.Piece == nil && uploadSpec(e.Value) == rs {
			me.outbound.Remove(e)
			return true
		}
	}
	return false
}

// The block a queued piece message will carry. Its data isn't loaded yet, so the length comes from
// the request.
func uploadSpec(msg pp.Message) pp.RequestSpec {
	return pp.RequestSpec{Index: msg.Index, Begin: msg.Begin, Length: msg.Length}
}

func (me *peerSender) queued() int {
	me.mu.Lock()
	defer me.mu.Unlock()
	return me.outbound.Len()
}

// Routine that writes to the peer. Returns when the session closes or a write fails. A
// keep-alive is written whenever nothing else was for keepAliveInterval.
func (me *peerSender) run(keepAliveInterval time.Duration) error {
	keepAliveTimer := time.NewTimer(keepAliveInterval)
	defer keepAliveTimer.Stop()
	for {
		if me.closed.IsSet() {
			return nil
		}
		me.mu.Lock()
		front := me.outbound.Front()
		if front == nil {
			posted := me.posted.Signaled()
			me.mu.Unlock()
			select {
			case <-me.closed.Done():
				return nil
			case <-posted:
			case <-keepAliveTimer.C:
				if err := me.write(pp.Message{Keepalive: true}); err != nil {
					return err
				}
				postedKeepalives.Add(1)
				keepAliveTimer.Reset(keepAliveInterval)
			}
			continue
		}
		msg := me.outbound.Remove(front)
		me.mu.Unlock()
		if msg.Type == pp.Piece && msg.Piece == nil && !msg.Keepalive {
			if !me.fillUpload(&msg) {
				continue
			}
		}
		if err := me.write(msg); err != nil {
			return err
		}
		keepAliveTimer.Reset(keepAliveInterval)
	}
}

func (me *peerSender) write(msg pp.Message) error {
	b, err := msg.MarshalBinary()
	if err != nil {
		return err
	}
	_, err = me.w.Write(b)
	if err != nil {
		me.logger.WithDefaultLevel(log.Debug).Printf("error writing %v: %v", msg.Type, err)
		return err
	}
	if !msg.Keepalive {
		messageTypesSent.Add(msg.Type.String(), 1)
	}
	return nil
}
