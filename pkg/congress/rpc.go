package congress

import (
	"sync"
	"time"

	"github.com/iter-org/drawbridge/pkg/log"
	"github.com/rs/zerolog"
)

// closeAckWait bounds how long RemovePeer waits for a peer's receive task
// to acknowledge the close signal before giving up.
const closeAckWait = 2 * time.Second

// RPC is the capability set a senator needs from its transport.
type RPC interface {
	// Members returns the current peer ids, in no particular order.
	Members() []NodeID

	// Send resolves msg.To and forwards the message. Transport errors are
	// handled internally by evicting the peer; the caller is not notified.
	Send(msg Message)

	// Messages is the single fan-in queue of messages from all peers.
	// Per-peer ordering is retained; cross-peer ordering is undefined.
	Messages() <-chan Message

	// OurID returns this node's id. It never changes.
	OurID() NodeID
}

// Network is the RPC mesh: a set of peers keyed by node id, with a shared
// receive queue and duplicate-connection resolution.
type Network struct {
	ourID NodeID

	// mu guards peers for both membership and duplicate resolution; every
	// AddPeer/RemovePeer decision runs entirely under it.
	mu    sync.Mutex
	peers map[NodeID]*Peer

	msgCh  chan Message
	logger zerolog.Logger
}

// NewNetwork creates an empty peer network for the given node id.
func NewNetwork(ourID NodeID) *Network {
	return &Network{
		ourID:  ourID,
		peers:  make(map[NodeID]*Peer),
		msgCh:  make(chan Message, 1024),
		logger: log.WithNodeID("congress", uint64(ourID)),
	}
}

// OurID returns this node's id.
func (n *Network) OurID() NodeID {
	return n.ourID
}

// Members returns the ids of all currently connected peers.
func (n *Network) Members() []NodeID {
	n.mu.Lock()
	defer n.mu.Unlock()

	ids := make([]NodeID, 0, len(n.peers))
	for id := range n.peers {
		ids = append(ids, id)
	}
	return ids
}

// Messages returns the shared receive queue.
func (n *Network) Messages() <-chan Message {
	return n.msgCh
}

// Send forwards msg to the peer identified by msg.To. On any transport or
// codec error the peer is removed; callers are not notified.
func (n *Network) Send(msg Message) {
	n.mu.Lock()
	peer, ok := n.peers[msg.To]
	n.mu.Unlock()

	if !ok {
		n.logger.Debug().Uint64("to", uint64(msg.To)).Msg("peer not found, maybe it failed or was removed")
		return
	}

	if err := peer.Send(msg); err != nil {
		n.logger.Warn().Err(err).Uint64("to", uint64(msg.To)).Msg("could not send message, removing peer")
		n.RemovePeer(msg.To)
	}
}

// AddPeer registers a peer and starts its receive task.
//
// Duplicate resolution runs under the peers lock for the whole decision:
// a second connection from the same origin is rejected, a connection with
// the higher established_by evicts the existing one, and a lower one is
// dropped. Both sides of a duplicate evaluate the same inequality over the
// same pair of node ids, so both keep the connection opened by the higher
// id.
func (n *Network) AddPeer(newPeer *Peer) error {
	if newPeer.EstablishedBy != n.ourID && newPeer.EstablishedBy != newPeer.ID {
		newPeer.conn.Close()
		return ErrInvalidOrigin
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if existing, ok := n.peers[newPeer.ID]; ok {
		switch {
		case newPeer.EstablishedBy == existing.EstablishedBy:
			newPeer.conn.Close()
			return ErrDuplicatePeer
		case newPeer.EstablishedBy > existing.EstablishedBy:
			n.evictLocked(newPeer.ID)
		default:
			// existing connection wins; drop the new one
			newPeer.conn.Close()
			return nil
		}
	}

	n.peers[newPeer.ID] = newPeer
	go n.receiveLoop(newPeer)
	return nil
}

// RemovePeer initiates an ordered close of the peer and waits (bounded)
// for its receive task to acknowledge.
func (n *Network) RemovePeer(id NodeID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.evictLocked(id)
}

// evictLocked removes the peer from the map, signals close and awaits the
// acknowledgement. Callers must hold n.mu.
func (n *Network) evictLocked(id NodeID) {
	peer, ok := n.peers[id]
	if !ok {
		n.logger.Debug().Uint64("peer_id", uint64(id)).Msg("peer not found, maybe it failed or was removed")
		return
	}
	delete(n.peers, id)

	peer.beginClose()
	select {
	case <-peer.done:
	case <-time.After(closeAckWait):
		n.logger.Warn().Uint64("peer_id", uint64(id)).Msg("peer did not acknowledge close in time")
	}
}

// receiveLoop forwards frames from one peer into the shared queue until
// the peer errors or is told to close.
func (n *Network) receiveLoop(peer *Peer) {
	for {
		msg, err := peer.Recv()
		if err != nil {
			// acknowledge before touching the map: an evictor may be
			// waiting on done while holding the peers lock
			close(peer.done)

			if !peer.isClosing() {
				n.logger.Debug().Err(err).Uint64("peer_id", uint64(peer.ID)).Msg("peer read failed, removing")
				n.dropDead(peer)
			}
			return
		}
		n.msgCh <- msg
	}
}

// dropDead removes a peer that errored on its own, unless it has already
// been superseded by a replacement connection.
func (n *Network) dropDead(peer *Peer) {
	n.mu.Lock()
	if current, ok := n.peers[peer.ID]; ok && current == peer {
		delete(n.peers, peer.ID)
	}
	n.mu.Unlock()
	peer.conn.Close()
}
