// Package metrics exposes Drawbridge's Prometheus metrics: congress
// role and membership, certificate and challenge counts, ACME order
// outcomes and data-plane request accounting.
package metrics
