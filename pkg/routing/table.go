package routing

import (
	"fmt"
	"sync"
)

// EventKind discriminates routing table change events.
type EventKind string

const (
	// EventBackendChanged fires when an ingress rule adds or updates a backend.
	EventBackendChanged EventKind = "backend_changed"

	// EventPeerAdded fires when a peer ingress pod becomes reachable.
	EventPeerAdded EventKind = "peer_added"

	// EventPeerRemoved fires when a peer ingress pod is deleted.
	EventPeerRemoved EventKind = "peer_removed"
)

// Event is delivered to routing table subscribers. Addr and Name are set
// for peer events only.
type Event struct {
	Kind EventKind
	Addr string
	Name string
}

// NoRouteError indicates no backend matched a request.
type NoRouteError struct {
	Host string
	Path string
}

func (e *NoRouteError) Error() string {
	return fmt.Sprintf("routing: no backend for host %q path %q", e.Host, e.Path)
}

// Table maps hosts to their routing backends and fans change events out to
// subscribers. It is shared by all request-serving goroutines and mutated
// only by the Kubernetes watcher.
type Table struct {
	mu          sync.RWMutex
	backends    map[string]map[backendKey]*Backend
	subscribers []func(Event)
}

// NewTable creates an empty routing table.
func NewTable() *Table {
	return &Table{
		backends: make(map[string]map[backendKey]*Backend),
	}
}

// Subscribe registers a callback for change events. Callbacks run
// synchronously while the table lock is held and must be cheap; hand off
// to a goroutine for anything slow.
func (t *Table) Subscribe(fn func(Event)) {
	t.mu.Lock()
	t.subscribers = append(t.subscribers, fn)
	t.mu.Unlock()
}

// InsertBackend adds or refreshes a backend and notifies subscribers.
func (t *Table) InsertBackend(backend *Backend) {
	t.mu.Lock()
	defer t.mu.Unlock()

	hostBackends, ok := t.backends[backend.Host]
	if !ok {
		hostBackends = make(map[backendKey]*Backend)
		t.backends[backend.Host] = hostBackends
	}
	hostBackends[backend.key()] = backend

	t.notifyLocked(Event{Kind: EventBackendChanged})
}

// GetBackend returns the service DNS name of the first backend whose
// prefix matches the path.
func (t *Table) GetBackend(host, path string) (string, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, backend := range t.backends[host] {
		if backend.Matches(path) {
			return backend.ServiceDNS, nil
		}
	}
	return "", &NoRouteError{Host: host, Path: path}
}

// Hosts returns all hosts with at least one backend. This is the
// certificate demand signal for the leadership system.
func (t *Table) Hosts() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	hosts := make([]string, 0, len(t.backends))
	for host := range t.backends {
		hosts = append(hosts, host)
	}
	return hosts
}

// EmitPeerAdded notifies subscribers of a newly reachable peer pod.
func (t *Table) EmitPeerAdded(addr, name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.notifyLocked(Event{Kind: EventPeerAdded, Addr: addr, Name: name})
}

// EmitPeerRemoved notifies subscribers of a deleted peer pod.
func (t *Table) EmitPeerRemoved(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.notifyLocked(Event{Kind: EventPeerRemoved, Name: name})
}

func (t *Table) notifyLocked(event Event) {
	for _, fn := range t.subscribers {
		fn(event)
	}
}
