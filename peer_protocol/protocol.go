package peer_protocol

import (
	"fmt"
)

const (
	Protocol = "\x13BitTorrent protocol"
)

type MessageType byte

const (
	// BEP 3
	Choke         MessageType = 0
	Unchoke       MessageType = 1
	Interested    MessageType = 2
	NotInterested MessageType = 3
	Have          MessageType = 4
	Bitfield      MessageType = 5
	Request       MessageType = 6
	Piece         MessageType = 7
	Cancel        MessageType = 8

	// BEP 6 - Fast extension
	Suggest     MessageType = 0x0d // 13
	HaveAll     MessageType = 0x0e // 14
	HaveNone    MessageType = 0x0f // 15
	Reject      MessageType = 0x10 // 16
	AllowedFast MessageType = 0x11 // 17
)

var messageTypeNames = map[MessageType]string{
	Choke:         "Choke",
	Unchoke:       "Unchoke",
	Interested:    "Interested",
	NotInterested: "NotInterested",
	Have:          "Have",
	Bitfield:      "Bitfield",
	Request:       "Request",
	Piece:         "Piece",
	Cancel:        "Cancel",
	Suggest:       "Suggest",
	HaveAll:       "HaveAll",
	HaveNone:      "HaveNone",
	Reject:        "Reject",
	AllowedFast:   "AllowedFast",
}

func (mt MessageType) String() string {
	if s, ok := messageTypeNames[mt]; ok {
		return s
	}
	return fmt.Sprintf("MessageType(%d)", byte(mt))
}

// Whether the message type is only valid on connections that negotiated BEP 6.
func (mt MessageType) FastExtension() bool {
	return mt >= Suggest && mt <= AllowedFast
}

// Identifies a block of a piece. Used for requests, cancels, rejects and the pending bookkeeping
// derived from them.
type RequestSpec struct {
	Index, Begin, Length Integer
}

func (me RequestSpec) String() string {
	return fmt.Sprintf("{%d %d %d}", me.Index, me.Begin, me.Length)
}
