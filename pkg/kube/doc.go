// Package kube wraps the Kubernetes API access Drawbridge needs outside
// the watchers: client construction and the Secrets that persist the ACME
// account and issued certificate bundles across restarts.
package kube
