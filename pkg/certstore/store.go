package certstore

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/iter-org/drawbridge/pkg/acme"
)

// Entry is one host's certificate material. Only the DER fields are
// persisted and replicated; the TLS server configuration is derived from
// them once and cached.
type Entry struct {
	// CertsDER is the certificate chain, leaf first.
	CertsDER [][]byte

	// PrivateKeyDER is the private key in DER form.
	PrivateKeyDER []byte

	serverConfig *tls.Config
}

// entryWire is the replicated/persisted shape of an Entry.
type entryWire struct {
	Certs      [][]byte `json:"certs"`
	PrivateKey []byte   `json:"private_key"`
}

// NewEntry builds an Entry and its cached TLS configuration from DER
// certificate chain and private key.
func NewEntry(certsDER [][]byte, privateKeyDER []byte) (*Entry, error) {
	key, err := parsePrivateKey(privateKeyDER)
	if err != nil {
		return nil, err
	}

	tlsCert := tls.Certificate{
		Certificate: certsDER,
		PrivateKey:  key,
	}

	return &Entry{
		CertsDER:      certsDER,
		PrivateKeyDER: privateKeyDER,
		serverConfig: &tls.Config{
			MinVersion:   tls.VersionTLS12,
			Certificates: []tls.Certificate{tlsCert},
		},
	}, nil
}

// ServerConfig returns the TLS configuration presenting this entry's chain.
func (e *Entry) ServerConfig() *tls.Config {
	return e.serverConfig
}

// MarshalJSON serializes only the persisted fields.
func (e *Entry) MarshalJSON() ([]byte, error) {
	return json.Marshal(entryWire{Certs: e.CertsDER, PrivateKey: e.PrivateKeyDER})
}

// UnmarshalJSON rebuilds the entry, including the derived TLS config.
func (e *Entry) UnmarshalJSON(data []byte) error {
	var wire entryWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}

	rebuilt, err := NewEntry(wire.Certs, wire.PrivateKey)
	if err != nil {
		return fmt.Errorf("certstore: rebuild entry: %w", err)
	}
	*e = *rebuilt
	return nil
}

// challengeKey keys active http-01 challenges by (domain, path).
type challengeKey struct {
	domain string
	path   string
}

// Store is the in-memory certificate and challenge state shared by the
// TLS acceptor, the data plane and the leadership system. Reads happen on
// every TLS handshake and every request, so both maps are read-mostly
// under a single RWMutex; replication replaces the cert map wholesale.
type Store struct {
	mu         sync.RWMutex
	certs      map[string]*Entry
	challenges map[challengeKey]acme.Http01Challenge
}

// New creates an empty store.
func New() *Store {
	return &Store{
		certs:      make(map[string]*Entry),
		challenges: make(map[challengeKey]acme.Http01Challenge),
	}
}

// GetServerConfig resolves a TLS server configuration by SNI name.
func (s *Store) GetServerConfig(sniName string) (*tls.Config, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.certs[sniName]
	if !ok {
		return nil, false
	}
	return entry.ServerConfig(), true
}

// GetCert returns the entry for a host.
func (s *Store) GetCert(host string) (*Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.certs[host]
	return entry, ok
}

// InstallCert inserts or replaces the entry for a host.
func (s *Store) InstallCert(host string, entry *Entry) {
	s.mu.Lock()
	s.certs[host] = entry
	s.mu.Unlock()
}

// ReplaceCerts atomically swaps the whole certificate map. Used when a
// follower receives leader-replicated state.
func (s *Store) ReplaceCerts(certs map[string]*Entry) {
	if certs == nil {
		certs = make(map[string]*Entry)
	}
	s.mu.Lock()
	s.certs = certs
	s.mu.Unlock()
}

// CurrentCerts returns a snapshot of the certificate map for replication.
func (s *Store) CurrentCerts() map[string]*Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snapshot := make(map[string]*Entry, len(s.certs))
	for host, entry := range s.certs {
		snapshot[host] = entry
	}
	return snapshot
}

// Hosts returns the hosts that currently have certificates.
func (s *Store) Hosts() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	hosts := make([]string, 0, len(s.certs))
	for host := range s.certs {
		hosts = append(hosts, host)
	}
	return hosts
}

// InstallChallenge inserts or overwrites an active http-01 challenge.
func (s *Store) InstallChallenge(challenge acme.Http01Challenge) {
	s.mu.Lock()
	s.challenges[challengeKey{challenge.Domain, challenge.Path}] = challenge
	s.mu.Unlock()
}

// ResolveChallenge returns the response body for an http-01 probe, if the
// (host, path) pair names an active challenge.
func (s *Store) ResolveChallenge(host, path string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	challenge, ok := s.challenges[challengeKey{host, path}]
	if !ok {
		return "", false
	}
	return challenge.Contents, true
}

// CurrentChallenges snapshots the active challenges for replication.
func (s *Store) CurrentChallenges() []acme.Http01Challenge {
	s.mu.RLock()
	defer s.mu.RUnlock()

	challenges := make([]acme.Http01Challenge, 0, len(s.challenges))
	for _, challenge := range s.challenges {
		challenges = append(challenges, challenge)
	}
	return challenges
}
