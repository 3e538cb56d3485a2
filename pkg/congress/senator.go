package congress

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/iter-org/drawbridge/pkg/log"
	"github.com/rs/zerolog"
)

const (
	electionTimeoutMin = 400 * time.Millisecond
	electionTimeoutMax = 800 * time.Millisecond
	heartbeatInterval  = 50 * time.Millisecond
)

// randomTimeout returns a uniformly random election timeout in the
// 400-800ms band. The randomization makes split votes self-heal.
func randomTimeout() time.Duration {
	return electionTimeoutMin + time.Duration(rand.Int63n(int64(electionTimeoutMax-electionTimeoutMin)))
}

// Senator is a single congress member: a per-replica state machine cycling
// between the follower, candidate and leader roles.
//
// The role loop is strictly serial: each loop iteration runs the current
// role's routine to completion (or until a role change) and then starts
// over. Individual fields are guarded separately; code that updates more
// than one acquires locks in the order term, role, votedFor, currentLeader.
type Senator struct {
	ID  NodeID
	rpc RPC

	termMu sync.RWMutex
	term   uint64

	roleMu sync.RWMutex
	role   Role

	votedForMu sync.Mutex
	votedFor   *NodeID

	leaderMu      sync.Mutex
	currentLeader *NodeID

	timeoutMu   sync.Mutex
	nextTimeout time.Time

	subsMu   sync.RWMutex
	roleSubs []func(Role)
	msgSubs  []func(Message)

	logger zerolog.Logger
}

// NewSenator creates a senator in the follower role. minimumDelay is added
// to the first election timeout so replicas starting together don't race
// into simultaneous elections.
func NewSenator(minimumDelay time.Duration, rpc RPC) *Senator {
	return &Senator{
		ID:          rpc.OurID(),
		rpc:         rpc,
		role:        RoleFollower,
		nextTimeout: time.Now().Add(minimumDelay + randomTimeout()),
		logger:      log.WithNodeID("congress", uint64(rpc.OurID())),
	}
}

// Start runs the role loop until ctx is cancelled.
func (s *Senator) Start(ctx context.Context) {
	go s.run(ctx)
}

func (s *Senator) run(ctx context.Context) {
	lastRole := s.Role()
	for ctx.Err() == nil {
		newRole := s.Role()
		if newRole != lastRole {
			s.notifyRole(newRole)
		}
		lastRole = newRole

		switch newRole {
		case RoleLeader:
			s.runLeader(ctx)
		case RoleCandidate:
			s.runCandidate(ctx)
		default:
			s.runFollower(ctx)
		}

		// reset the next timeout in case we are a follower again
		s.resetTimeout()
	}
}

// Role returns the current role.
func (s *Senator) Role() Role {
	s.roleMu.RLock()
	defer s.roleMu.RUnlock()
	return s.role
}

func (s *Senator) setRole(role Role) {
	s.roleMu.Lock()
	s.role = role
	s.roleMu.Unlock()
}

// Term returns the current term.
func (s *Senator) Term() uint64 {
	s.termMu.RLock()
	defer s.termMu.RUnlock()
	return s.term
}

// CurrentLeader returns the leader this senator currently recognizes, if any.
func (s *Senator) CurrentLeader() (NodeID, bool) {
	s.leaderMu.Lock()
	defer s.leaderMu.Unlock()
	if s.currentLeader == nil {
		return 0, false
	}
	return *s.currentLeader, true
}

func (s *Senator) setLeader(id *NodeID) {
	s.leaderMu.Lock()
	s.currentLeader = id
	s.leaderMu.Unlock()
}

// OnRole registers a callback invoked synchronously, in registration
// order, whenever the role changes between loop iterations. Callbacks
// receive only the new role and must not block the role loop.
func (s *Senator) OnRole(fn func(Role)) {
	s.subsMu.Lock()
	s.roleSubs = append(s.roleSubs, fn)
	s.subsMu.Unlock()
}

// OnMessage registers a callback invoked for every Custom message received.
func (s *Senator) OnMessage(fn func(Message)) {
	s.subsMu.Lock()
	s.msgSubs = append(s.msgSubs, fn)
	s.subsMu.Unlock()
}

func (s *Senator) notifyRole(role Role) {
	s.subsMu.RLock()
	subs := make([]func(Role), len(s.roleSubs))
	copy(subs, s.roleSubs)
	s.subsMu.RUnlock()

	for _, fn := range subs {
		fn(role)
	}
}

func (s *Senator) deliverUserMessage(msg Message) {
	s.subsMu.RLock()
	subs := make([]func(Message), len(s.msgSubs))
	copy(subs, s.msgSubs)
	s.subsMu.RUnlock()

	for _, fn := range subs {
		fn(msg)
	}
}

// Broadcast sends a message of the given kind to every current peer.
func (s *Senator) Broadcast(kind MessageKind, custom []byte) {
	term := s.Term()
	role := s.Role()

	for _, peerID := range s.rpc.Members() {
		s.rpc.Send(Message{
			From:     s.ID,
			FromRole: role,
			To:       peerID,
			Term:     term,
			Kind:     kind,
			Custom:   custom,
		})
	}
}

// handleVoteRequest implements the vote-request rule: a request with a term
// no greater than ours is ignored entirely; a strictly greater term makes
// us a follower for that term and grants the vote, whatever role we held.
func (s *Senator) handleVoteRequest(candidate NodeID, theirTerm uint64) {
	s.termMu.Lock()
	if theirTerm <= s.term {
		s.termMu.Unlock()
		return
	}
	s.term = theirTerm
	s.termMu.Unlock()

	s.setRole(RoleFollower)

	s.votedForMu.Lock()
	voted := candidate
	s.votedFor = &voted
	s.votedForMu.Unlock()

	s.logger.Debug().Uint64("candidate", uint64(candidate)).Uint64("term", theirTerm).Msg("granting vote")

	s.rpc.Send(Message{
		From:     s.ID,
		FromRole: RoleFollower,
		To:       candidate,
		Term:     theirTerm,
		Kind:     KindVoteGranted,
	})
}

// adoptLeader is the follower/candidate reaction to a heartbeat with a
// term at least as high as ours.
func (s *Senator) adoptLeader(from NodeID, term uint64) {
	s.termMu.Lock()
	higher := term > s.term
	s.term = term
	s.termMu.Unlock()

	if higher {
		s.votedForMu.Lock()
		s.votedFor = nil
		s.votedForMu.Unlock()
	}

	leader := from
	s.setLeader(&leader)
	s.refreshTimeout()
}

func (s *Senator) refreshTimeout() {
	s.timeoutMu.Lock()
	s.nextTimeout = time.Now().Add(randomTimeout())
	s.timeoutMu.Unlock()
}

func (s *Senator) resetTimeout() {
	s.refreshTimeout()
}

func (s *Senator) timeoutDeadline() time.Time {
	s.timeoutMu.Lock()
	defer s.timeoutMu.Unlock()
	return s.nextTimeout
}
