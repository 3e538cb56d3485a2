package routing

import (
	"fmt"
	"regexp"
)

// Backend is one routing target: requests for Host whose path matches
// PathPrefix are forwarded to ServiceDNS:Port.
type Backend struct {
	Host       string
	PathPrefix string
	ServiceDNS string
	Port       int32

	pathRegex *regexp.Regexp
}

// backendKey is the identity of a backend: the literal prefix string plus
// host, service and port. Two backends with the same key are the same rule.
type backendKey struct {
	host       string
	pathPrefix string
	serviceDNS string
	port       int32
}

// NewBackend compiles the path-prefix matcher for a routing rule.
func NewBackend(host, pathPrefix, serviceDNS string, port int32) (*Backend, error) {
	pathRegex, err := regexp.Compile("^" + regexp.QuoteMeta(pathPrefix))
	if err != nil {
		return nil, fmt.Errorf("routing: compile path prefix %q: %w", pathPrefix, err)
	}

	return &Backend{
		Host:       host,
		PathPrefix: pathPrefix,
		ServiceDNS: serviceDNS,
		Port:       port,
		pathRegex:  pathRegex,
	}, nil
}

// Matches reports whether the request path falls under this backend's prefix.
func (b *Backend) Matches(path string) bool {
	return b.pathRegex.MatchString(path)
}

func (b *Backend) key() backendKey {
	return backendKey{
		host:       b.Host,
		pathPrefix: b.PathPrefix,
		serviceDNS: b.ServiceDNS,
		port:       b.Port,
	}
}
