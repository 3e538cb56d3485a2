package congress

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
)

// maxFrameSize bounds a single wire frame. Certificate bundles are the
// largest payloads replicated over the mesh and stay well under this.
const maxFrameSize = 16 << 20

// Peer is one full-duplex connection to another replica.
//
// Wire format: each message is a 4-byte big-endian length followed by that
// many bytes of JSON-encoded Message. Reads and writes are serialized by
// independent locks so concurrent sends cannot interleave and concurrent
// receives cannot split a frame.
type Peer struct {
	// EstablishedBy records which side opened the connection and drives
	// duplicate resolution: when two connections to the same peer exist,
	// the one established by the numerically larger NodeID wins.
	EstablishedBy NodeID

	// ID is the remote node's id.
	ID NodeID

	conn    io.ReadWriteCloser
	readMu  sync.Mutex
	writeMu sync.Mutex

	closing atomic.Bool

	// done is closed by the network's receive task when it exits; it is
	// the close acknowledgement awaited by RemovePeer.
	done chan struct{}
}

// NewPeer wraps a duplex stream as a congress peer.
func NewPeer(establishedBy, id NodeID, conn io.ReadWriteCloser) *Peer {
	return &Peer{
		EstablishedBy: establishedBy,
		ID:            id,
		conn:          conn,
		done:          make(chan struct{}),
	}
}

// Send serializes msg and writes it as one frame. On any error the peer is
// considered dead and should be removed by the owning network.
func (p *Peer) Send(msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return &CodecError{Err: err}
	}
	if len(body) > maxFrameSize {
		return ErrFrameTooLarge
	}

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(body)))

	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	if _, err := p.conn.Write(header[:]); err != nil {
		return fmt.Errorf("congress: write frame header: %w", err)
	}
	if _, err := p.conn.Write(body); err != nil {
		return fmt.Errorf("congress: write frame body: %w", err)
	}
	return nil
}

// Recv reads one frame and deserializes it. It fails if the connection
// closes mid-frame.
func (p *Peer) Recv() (Message, error) {
	p.readMu.Lock()
	defer p.readMu.Unlock()

	var header [4]byte
	if _, err := io.ReadFull(p.conn, header[:]); err != nil {
		return Message{}, fmt.Errorf("congress: read frame header: %w", err)
	}

	length := binary.BigEndian.Uint32(header[:])
	if length > maxFrameSize {
		return Message{}, ErrFrameTooLarge
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(p.conn, body); err != nil {
		return Message{}, fmt.Errorf("congress: read frame body: %w", err)
	}

	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return Message{}, &CodecError{Err: err}
	}
	return msg, nil
}

// beginClose marks the peer as intentionally closing and unblocks any
// pending read by closing the underlying stream.
func (p *Peer) beginClose() {
	p.closing.Store(true)
	p.conn.Close()
}

func (p *Peer) isClosing() bool {
	return p.closing.Load()
}
