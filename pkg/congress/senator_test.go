package congress

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	// tests only care about behaviour, not output
	testInitLogging()
}

// connect wires two networks together over an in-memory duplex stream, as
// if nodeA had dialed nodeB.
func connect(t *testing.T, a, b *Network, establishedBy NodeID) {
	t.Helper()

	connA, connB := net.Pipe()
	require.NoError(t, a.AddPeer(NewPeer(establishedBy, b.OurID(), connA)))
	require.NoError(t, b.AddPeer(NewPeer(establishedBy, a.OurID(), connB)))
}

func TestFrameCodecRoundTrip(t *testing.T) {
	connA, connB := net.Pipe()
	defer connA.Close()
	defer connB.Close()

	sender := NewPeer(1, 2, connA)
	receiver := NewPeer(1, 1, connB)

	want := Message{
		From:     1,
		FromRole: RoleLeader,
		To:       2,
		Term:     7,
		Kind:     KindCustom,
		Custom:   json.RawMessage(`{"hello":"world"}`),
	}

	errCh := make(chan error, 1)
	go func() { errCh <- sender.Send(want) }()

	got, err := receiver.Recv()
	require.NoError(t, err)
	require.NoError(t, <-errCh)

	assert.Equal(t, want.From, got.From)
	assert.Equal(t, want.FromRole, got.FromRole)
	assert.Equal(t, want.Term, got.Term)
	assert.Equal(t, want.Kind, got.Kind)
	assert.JSONEq(t, string(want.Custom), string(got.Custom))
}

func TestRecvFailsOnTruncatedFrame(t *testing.T) {
	connA, connB := net.Pipe()
	receiver := NewPeer(1, 1, connB)

	go func() {
		// a frame header promising more bytes than will ever arrive
		connA.Write([]byte{0, 0, 0, 64})
		connA.Close()
	}()

	_, err := receiver.Recv()
	assert.Error(t, err)
}

func TestAddPeerRejectsInvalidOrigin(t *testing.T) {
	network := NewNetwork(1)
	connA, connB := net.Pipe()
	defer connB.Close()

	err := network.AddPeer(NewPeer(99, 2, connA))
	assert.ErrorIs(t, err, ErrInvalidOrigin)
	assert.Empty(t, network.Members())
}

func TestAddPeerRejectsSameOriginDuplicate(t *testing.T) {
	network := NewNetwork(1)

	connA, remoteA := net.Pipe()
	defer remoteA.Close()
	require.NoError(t, network.AddPeer(NewPeer(2, 2, connA)))

	connB, remoteB := net.Pipe()
	defer remoteB.Close()
	err := network.AddPeer(NewPeer(2, 2, connB))
	assert.ErrorIs(t, err, ErrDuplicatePeer)
	assert.Len(t, network.Members(), 1)
}

// TestDuplicatePeerResolution exercises the symmetric eviction rule: the
// connection established by the numerically larger node id wins, whatever
// order the two connections are added in.
func TestDuplicatePeerResolution(t *testing.T) {
	tests := []struct {
		name           string
		firstOrigin    NodeID
		secondOrigin   NodeID
		wantWinner     NodeID
		wantSecondKept bool
	}{
		{
			name:           "higher origin added second evicts",
			firstOrigin:    1,
			secondOrigin:   2,
			wantWinner:     2,
			wantSecondKept: true,
		},
		{
			name:           "lower origin added second is dropped",
			firstOrigin:    2,
			secondOrigin:   1,
			wantWinner:     2,
			wantSecondKept: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			network := NewNetwork(1)

			connFirst, remoteFirst := net.Pipe()
			defer remoteFirst.Close()
			first := NewPeer(tt.firstOrigin, 2, connFirst)
			require.NoError(t, network.AddPeer(first))

			connSecond, remoteSecond := net.Pipe()
			defer remoteSecond.Close()
			second := NewPeer(tt.secondOrigin, 2, connSecond)
			require.NoError(t, network.AddPeer(second))

			require.Len(t, network.Members(), 1)

			network.mu.Lock()
			kept := network.peers[2]
			network.mu.Unlock()

			assert.Equal(t, tt.wantWinner, kept.EstablishedBy)
			if tt.wantSecondKept {
				assert.Same(t, second, kept)
			} else {
				assert.Same(t, first, kept)
			}
		})
	}
}

func TestTwoReplicasConvergeOnOneLeader(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rpcA := NewNetwork(1)
	rpcB := NewNetwork(2)
	connect(t, rpcA, rpcB, 1)

	a := NewSenator(100*time.Millisecond, rpcA)
	b := NewSenator(100*time.Millisecond, rpcB)
	a.Start(ctx)
	b.Start(ctx)

	time.Sleep(1500 * time.Millisecond)

	leaderA, okA := a.CurrentLeader()
	leaderB, okB := b.CurrentLeader()
	require.True(t, okA, "expected a to have a leader")
	require.True(t, okB, "expected b to have a leader")
	assert.Equal(t, leaderA, leaderB)
	assert.Contains(t, []NodeID{1, 2}, leaderA)
}

func TestRoleSubscriberSeesLeader(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rpcA := NewNetwork(1)
	rpcB := NewNetwork(2)
	connect(t, rpcA, rpcB, 1)

	a := NewSenator(100*time.Millisecond, rpcA)
	b := NewSenator(100*time.Millisecond, rpcB)

	leaderCh := make(chan struct{}, 2)
	onRole := func(role Role) {
		if role == RoleLeader {
			leaderCh <- struct{}{}
		}
	}
	a.OnRole(onRole)
	b.OnRole(onRole)

	a.Start(ctx)
	b.Start(ctx)

	select {
	case <-leaderCh:
	case <-time.After(2 * time.Second):
		t.Fatal("no senator became leader in time")
	}
}

func TestCustomBroadcastDelivery(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rpcA := NewNetwork(1)
	rpcB := NewNetwork(2)
	connect(t, rpcA, rpcB, 1)

	a := NewSenator(100*time.Millisecond, rpcA)
	b := NewSenator(100*time.Millisecond, rpcB)

	payload := json.RawMessage(`{"kind":"test"}`)
	received := make(chan Message, 1)
	b.OnMessage(func(msg Message) {
		select {
		case received <- msg:
		default:
		}
	})

	a.Start(ctx)
	b.Start(ctx)

	a.Broadcast(KindCustom, payload)

	select {
	case msg := <-received:
		assert.Equal(t, KindCustom, msg.Kind)
		assert.JSONEq(t, string(payload), string(msg.Custom))
	case <-time.After(2 * time.Second):
		t.Fatal("custom message was not delivered")
	}
}

// TestPeerRemovalCollapsesQuorum removes the only peer; with zero peers
// votes_needed is 1, so each side must become leader of itself.
func TestPeerRemovalCollapsesQuorum(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rpcA := NewNetwork(1)
	rpcB := NewNetwork(2)
	connect(t, rpcA, rpcB, 1)

	a := NewSenator(0, rpcA)
	b := NewSenator(0, rpcB)
	a.Start(ctx)
	b.Start(ctx)

	time.Sleep(1 * time.Second)

	rpcA.RemovePeer(2)

	time.Sleep(2500 * time.Millisecond)

	leaderA, okA := a.CurrentLeader()
	leaderB, okB := b.CurrentLeader()
	require.True(t, okA)
	require.True(t, okB)
	assert.Equal(t, NodeID(1), leaderA)
	assert.Equal(t, NodeID(2), leaderB)
}

// TestHigherTermLeaderWins starts A as an established leader at term 1 and
// B as a fresh node; B must end up following A at A's term.
func TestHigherTermLeaderWins(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rpcA := NewNetwork(1)
	rpcB := NewNetwork(2)
	connect(t, rpcA, rpcB, 1)

	a := NewSenator(100*time.Millisecond, rpcA)
	a.term = 1
	a.role = RoleLeader
	self := NodeID(1)
	a.currentLeader = &self

	b := NewSenator(500*time.Millisecond, rpcB)

	a.Start(ctx)
	b.Start(ctx)

	time.Sleep(2 * time.Second)

	assert.Equal(t, RoleLeader, a.Role())
	assert.Equal(t, RoleFollower, b.Role())
	assert.Equal(t, uint64(1), a.Term())
	assert.Equal(t, uint64(1), b.Term())

	leaderB, ok := b.CurrentLeader()
	require.True(t, ok)
	assert.Equal(t, NodeID(1), leaderB)
}

// fakeRPC records sends for unit tests of the vote-request handler.
type fakeRPC struct {
	id      NodeID
	members []NodeID
	sent    chan Message
	msgs    chan Message
}

func newFakeRPC(id NodeID, members ...NodeID) *fakeRPC {
	return &fakeRPC{
		id:      id,
		members: members,
		sent:    make(chan Message, 16),
		msgs:    make(chan Message, 16),
	}
}

func (f *fakeRPC) Members() []NodeID        { return f.members }
func (f *fakeRPC) Send(msg Message)         { f.sent <- msg }
func (f *fakeRPC) Messages() <-chan Message { return f.msgs }
func (f *fakeRPC) OurID() NodeID            { return f.id }

func TestVoteRequestIgnoredForStaleTerm(t *testing.T) {
	rpc := newFakeRPC(1, 2)
	s := NewSenator(0, rpc)
	s.term = 5

	s.handleVoteRequest(2, 5)
	s.handleVoteRequest(2, 3)

	assert.Empty(t, rpc.sent)
	assert.Equal(t, uint64(5), s.Term())
	s.votedForMu.Lock()
	assert.Nil(t, s.votedFor)
	s.votedForMu.Unlock()
}

func TestVoteRequestWithHigherTermDemotesAndGrants(t *testing.T) {
	rpc := newFakeRPC(1, 2)
	s := NewSenator(0, rpc)
	s.term = 2
	s.role = RoleLeader

	s.handleVoteRequest(2, 3)

	assert.Equal(t, uint64(3), s.Term())
	assert.Equal(t, RoleFollower, s.Role())

	s.votedForMu.Lock()
	require.NotNil(t, s.votedFor)
	assert.Equal(t, NodeID(2), *s.votedFor)
	s.votedForMu.Unlock()

	select {
	case msg := <-rpc.sent:
		assert.Equal(t, KindVoteGranted, msg.Kind)
		assert.Equal(t, RoleFollower, msg.FromRole)
		assert.Equal(t, uint64(3), msg.Term)
		assert.Equal(t, NodeID(2), msg.To)
	default:
		t.Fatal("expected a VoteGranted to be sent")
	}
}

func TestTermIsMonotone(t *testing.T) {
	rpc := newFakeRPC(1, 2)
	s := NewSenator(0, rpc)

	s.handleVoteRequest(2, 4)
	assert.Equal(t, uint64(4), s.Term())

	// a lower term can never wind the clock back
	s.handleVoteRequest(2, 2)
	assert.Equal(t, uint64(4), s.Term())

	s.adoptLeader(2, 9)
	assert.Equal(t, uint64(9), s.Term())
}

func TestHashNameIsStable(t *testing.T) {
	assert.Equal(t, HashName("drawbridge-ingress-abc12"), HashName("drawbridge-ingress-abc12"))
	assert.NotEqual(t, HashName("drawbridge-ingress-abc12"), HashName("drawbridge-ingress-def34"))
}
