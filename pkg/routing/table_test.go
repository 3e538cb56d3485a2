package routing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustBackend(t *testing.T, host, prefix, serviceDNS string, port int32) *Backend {
	t.Helper()
	backend, err := NewBackend(host, prefix, serviceDNS, port)
	require.NoError(t, err)
	return backend
}

func TestBackendMatches(t *testing.T) {
	tests := []struct {
		name   string
		prefix string
		path   string
		want   bool
	}{
		{"root matches everything", "/", "/anything/at/all", true},
		{"exact prefix", "/api", "/api", true},
		{"prefix with suffix", "/api", "/api/v1/users", true},
		{"non-matching path", "/api", "/web", false},
		{"prefix is literal, not regex", "/a.b", "/axb", false},
		{"literal dot matches itself", "/a.b", "/a.b/c", true},
		{"anchored at start", "/api", "/v1/api", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := mustBackend(t, "example.test", tt.prefix, "svc.default", 80)
			assert.Equal(t, tt.want, backend.Matches(tt.path))
		})
	}
}

func TestGetBackend(t *testing.T) {
	table := NewTable()
	table.InsertBackend(mustBackend(t, "example.test", "/api", "api-svc.default", 8080))
	table.InsertBackend(mustBackend(t, "example.test", "/", "web-svc.default", 80))
	table.InsertBackend(mustBackend(t, "other.test", "/", "other-svc.prod", 80))

	service, err := table.GetBackend("other.test", "/index.html")
	require.NoError(t, err)
	assert.Equal(t, "other-svc.prod", service)

	service, err = table.GetBackend("example.test", "/anything")
	require.NoError(t, err)
	assert.Contains(t, []string{"api-svc.default", "web-svc.default"}, service)
}

func TestGetBackendNoRoute(t *testing.T) {
	table := NewTable()
	table.InsertBackend(mustBackend(t, "example.test", "/api", "api-svc.default", 8080))

	_, err := table.GetBackend("unknown.test", "/")
	var noRoute *NoRouteError
	require.ErrorAs(t, err, &noRoute)
	assert.Equal(t, "unknown.test", noRoute.Host)

	_, err = table.GetBackend("example.test", "/web")
	require.ErrorAs(t, err, &noRoute)
	assert.Equal(t, "/web", noRoute.Path)
}

// Re-inserting the same rule must not grow the backend set: identity is
// the literal prefix plus host, service and port.
func TestInsertBackendDeduplicates(t *testing.T) {
	table := NewTable()

	var events int
	table.Subscribe(func(event Event) {
		if event.Kind == EventBackendChanged {
			events++
		}
	})

	table.InsertBackend(mustBackend(t, "example.test", "/api", "api-svc.default", 8080))
	table.InsertBackend(mustBackend(t, "example.test", "/api", "api-svc.default", 8080))

	table.mu.RLock()
	count := len(table.backends["example.test"])
	table.mu.RUnlock()

	assert.Equal(t, 1, count)
	assert.Equal(t, 2, events, "every insert notifies, even refreshes")
}

func TestHosts(t *testing.T) {
	table := NewTable()
	assert.Empty(t, table.Hosts())

	table.InsertBackend(mustBackend(t, "a.test", "/", "a.default", 80))
	table.InsertBackend(mustBackend(t, "b.test", "/", "b.default", 80))
	table.InsertBackend(mustBackend(t, "b.test", "/api", "b-api.default", 80))

	assert.ElementsMatch(t, []string{"a.test", "b.test"}, table.Hosts())
}

func TestPeerEvents(t *testing.T) {
	table := NewTable()

	var events []Event
	table.Subscribe(func(event Event) {
		events = append(events, event)
	})

	table.EmitPeerAdded("10.0.0.5", "drawbridge-abc")
	table.EmitPeerRemoved("drawbridge-abc")

	require.Len(t, events, 2)
	assert.Equal(t, EventPeerAdded, events[0].Kind)
	assert.Equal(t, "10.0.0.5", events[0].Addr)
	assert.Equal(t, "drawbridge-abc", events[0].Name)
	assert.Equal(t, EventPeerRemoved, events[1].Kind)
	assert.Equal(t, "drawbridge-abc", events[1].Name)
}
