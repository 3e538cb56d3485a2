package congress

import (
	"context"
	"time"
)

// runLeader broadcasts a heartbeat every 50ms and processes incoming
// messages within each heartbeat window. A heartbeat or vote request with
// a strictly greater term demotes us.
func (s *Senator) runLeader(ctx context.Context) {
	s.logger.Info().Uint64("term", s.Term()).Msg("became leader")

	for s.Role() == RoleLeader {
		s.Broadcast(KindLeaderHeartbeat, nil)

		window := time.NewTimer(heartbeatInterval)

	inner:
		for s.Role() == RoleLeader {
			select {
			case <-ctx.Done():
				window.Stop()
				return

			case <-window.C:
				break inner

			case msg := <-s.rpc.Messages():
				switch msg.Kind {
				case KindLeaderHeartbeat:
					if msg.Term > s.Term() {
						s.termMu.Lock()
						s.term = msg.Term
						s.termMu.Unlock()
						s.setRole(RoleFollower)
					}
				case KindVoteRequest:
					s.handleVoteRequest(msg.From, msg.Term)
				case KindCustom:
					s.deliverUserMessage(msg)
				case KindVoteGranted:
					// we've already won
				}
			}
		}
		window.Stop()
	}
}
