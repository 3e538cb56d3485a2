package congress

import (
	"context"
	"time"
)

// runFollower waits for either the election timeout to elapse, which makes
// us a candidate, or traffic from the current leader, which defers it.
func (s *Senator) runFollower(ctx context.Context) {
	s.logger.Debug().Uint64("term", s.Term()).Msg("became follower")

	for s.Role() == RoleFollower {
		timer := time.NewTimer(time.Until(s.timeoutDeadline()))

		select {
		case <-ctx.Done():
			timer.Stop()
			return

		case <-timer.C:
			s.setRole(RoleCandidate)

		case msg := <-s.rpc.Messages():
			timer.Stop()
			switch msg.Kind {
			case KindLeaderHeartbeat:
				if msg.Term >= s.Term() {
					s.adoptLeader(msg.From, msg.Term)
				}
			case KindVoteRequest:
				s.handleVoteRequest(msg.From, msg.Term)
			case KindCustom:
				// user messages don't defer the election timeout
				s.deliverUserMessage(msg)
			case KindVoteGranted:
				// stale; we are not campaigning
			}
		}
	}
}
