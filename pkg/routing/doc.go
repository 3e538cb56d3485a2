/*
Package routing maintains the host/path routing table driving both the
data plane and certificate demand.

A watcher follows Ingress resources across all namespaces and translates
Prefix rules into backends addressed by service DNS name. A second watch
on the ingress namespace's drawbridge pods surfaces peer lifecycle events
for the congress mesh. Subscribers (the leadership system) receive change
events synchronously and hand off to their own goroutines.
*/
package routing
