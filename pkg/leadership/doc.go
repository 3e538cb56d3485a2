/*
Package leadership glues congress, the routing table, the certificate
store and the ACME client into the replicated certificate lifecycle.

Exactly one replica, the congress leader, talks to the ACME server. It
orders certificates for every routed host that is missing one (or holds
one close to expiry), persists the resulting bundle to a Kubernetes
Secret, and replicates both certificates and in-flight http-01 challenges
to every follower over the mesh, so any replica can terminate TLS for any
host and answer any validator probe. A replica whose role changes to
follower asks the leader for current state; a replica that starts as a
follower and keeps that role does not ask, and serves the bundle it loaded
from the Secret plus whatever the leader broadcasts afterwards.

Peer discovery rides the routing table's pod watch: a PeerAdded event
dials the new replica on the mesh port and identifies us by our hashed
pod name; the accept side reads the same 8-byte preamble. Congress's
duplicate resolution keeps exactly one connection per pair.
*/
package leadership
