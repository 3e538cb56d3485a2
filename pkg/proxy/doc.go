// Package proxy implements the HTTP data plane: ACME validation probes
// and health checks answered locally, everything else reverse-proxied to
// the backend resolved from the routing table, including WebSocket
// upgrades. Backend failures surface as 502 with a diagnostic body and
// are never retried.
package proxy
