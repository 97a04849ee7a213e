package raft

import "time"

// peer is the replication progress the leader tracks for another member.
type peer struct {
	id      string
	address string

	// The index of the next entry to send.
	nextIndex uint64

	// The highest index known to be replicated on the peer.
	matchIndex uint64

	// Indicates whether a request to the peer is outstanding. At most one
	// request is outstanding at a time.
	inflight bool

	// The last time the peer answered a request in the current term.
	lastContact time.Time

	// The snapshot being sent to the peer, if any.
	snapshot *snapshotTransfer
}

func newPeer(id, address string, nextIndex uint64) *peer {
	return &peer{id: id, address: address, nextIndex: nextIndex, lastContact: time.Now()}
}

// snapshotTransfer is a snapshot being sent to a peer in chunks.
type snapshotTransfer struct {
	index         uint64
	term          uint64
	configuration []byte
	data          []byte

	// The offset of the next chunk to send.
	offset uint64
}
