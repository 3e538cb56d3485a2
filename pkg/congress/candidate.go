package congress

import (
	"context"
	"time"
)

// runCandidate starts a new election: bump the term, vote for ourselves,
// solicit votes, and count until we either win a majority, hear from a
// legitimate leader, or the election deadline lapses (the outer loop then
// typically starts the next election).
func (s *Senator) runCandidate(ctx context.Context) {
	s.termMu.Lock()
	s.term++
	term := s.term
	s.termMu.Unlock()

	s.votedForMu.Lock()
	self := s.ID
	s.votedFor = &self
	s.votedForMu.Unlock()

	s.setLeader(nil)

	votesGranted := uint64(1) // our own vote

	s.logger.Debug().Uint64("term", term).Msg("became candidate")

	s.Broadcast(KindVoteRequest, nil)

	deadline := time.NewTimer(randomTimeout())
	defer deadline.Stop()

	for s.Role() == RoleCandidate {
		// recomputed every iteration so membership changes mid-election
		// are taken into account
		votesNeeded := 1 + (uint64(len(s.rpc.Members()))+1)/2

		if votesGranted >= votesNeeded {
			s.setRole(RoleLeader)
			s.setLeader(&self)
			s.logger.Info().
				Uint64("term", term).
				Uint64("votes", votesGranted).
				Uint64("needed", votesNeeded).
				Msg("won election")
			return
		}

		select {
		case <-ctx.Done():
			return

		case <-deadline.C:
			return

		case msg := <-s.rpc.Messages():
			switch msg.Kind {
			case KindLeaderHeartbeat:
				if msg.Term >= s.Term() {
					s.termMu.Lock()
					s.term = msg.Term
					s.termMu.Unlock()

					s.setRole(RoleFollower)

					s.votedForMu.Lock()
					s.votedFor = nil
					s.votedForMu.Unlock()

					leader := msg.From
					s.setLeader(&leader)
				}
			case KindVoteRequest:
				s.handleVoteRequest(msg.From, msg.Term)
			case KindVoteGranted:
				if msg.Term == s.Term() {
					votesGranted++
				}
			case KindCustom:
				s.deliverUserMessage(msg)
			}
		}
	}
}
