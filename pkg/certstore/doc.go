/*
Package certstore holds the in-memory certificate and http-01 challenge
state of one replica.

Every TLS handshake resolves its server configuration here by SNI, and
every data-plane request checks for a matching challenge, so reads are
lock-cheap snapshots. Writers are the leadership system only: the leader
installs freshly issued certificates, followers replace their whole map
with leader-replicated state.
*/
package certstore
