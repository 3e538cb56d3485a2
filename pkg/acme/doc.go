/*
Package acme implements the client half of the ACME protocol (RFC 8555)
that Drawbridge's leader drives to obtain TLS certificates.

The package deliberately exposes the protocol state machine instead of
wrapping it: challenge material must be replicated to every replica
between challenge creation and validation, so GenerateCertificate hands
each http-01 challenge to a ChallengeSolver and only proceeds once the
solver returns.

Requests are signed with ES256 JWS envelopes; a fresh anti-replay nonce is
fetched per request. The RSA customer key signs CSRs and is the private
key of every issued certificate, so both keys round-trip through the
account persistence layer.
*/
package acme
