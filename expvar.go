package torrent

import (
	"expvar"
)

// Process-wide counters, published by the expvar handler and printed by the command on exit.
var (
	torrent = expvar.NewMap("torrent")

	pieceHashedCorrect    = expvar.NewInt("pieceHashedCorrect")
	pieceHashedNotCorrect = expvar.NewInt("pieceHashedNotCorrect")

	// Count of connections to peer with same peer ID.
	connsToSelf        = expvar.NewInt("connsToSelf")
	receivedKeepalives = expvar.NewInt("receivedKeepalives")
	postedKeepalives   = expvar.NewInt("postedKeepalives")
	// Requests received for pieces we don't have.
	requestsReceivedForMissingPieces = expvar.NewInt("requestsReceivedForMissingPieces")

	messageTypesReceived = expvar.NewMap("messageTypesReceived")
	messageTypesSent     = expvar.NewMap("messageTypesSent")
	sessionsClosed       = expvar.NewMap("sessionsClosed")

	successfulDials   = expvar.NewInt("dialSuccessful")
	unsuccessfulDials = expvar.NewInt("dialUnsuccessful")
	acceptReject      = expvar.NewInt("acceptReject")
)
