/*
Package congress implements the leader election that coordinates
certificate issuance across Drawbridge replicas.

It borrows only the election half of Raft: randomized election timeouts,
term-scoped voting and a 50ms leader heartbeat, over a mesh of raw TCP
connections carrying length-prefixed JSON frames. There is no replicated
log; application state travels in Custom messages that congress delivers
to subscribers without interpreting.

A Senator cycles between the Follower, Candidate and Leader roles in a
strictly serial loop. The RPC Network owns all peer connections and
resolves duplicate connections deterministically: when both sides of a
pair dial each other, both keep the connection opened by the numerically
larger NodeID.

Typical wiring:

	rpc := congress.NewNetwork(congress.HashName(podName))
	senator := congress.NewSenator(15*time.Second, rpc)
	senator.OnRole(func(role congress.Role) { ... })
	senator.OnMessage(func(msg congress.Message) { ... })
	senator.Start(ctx)

Peers are added as connections are accepted or dialed:

	rpc.AddPeer(congress.NewPeer(establishedBy, peerID, conn))
*/
package congress
