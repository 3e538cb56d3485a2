package leadership

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/iter-org/drawbridge/pkg/acme"
	"github.com/iter-org/drawbridge/pkg/certstore"
	"github.com/iter-org/drawbridge/pkg/congress"
	"github.com/iter-org/drawbridge/pkg/kube"
	"github.com/iter-org/drawbridge/pkg/log"
	"github.com/iter-org/drawbridge/pkg/metrics"
	"github.com/iter-org/drawbridge/pkg/routing"
	"github.com/rs/zerolog"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
)

// Config parameterizes the leadership system.
type Config struct {
	// PodName is this replica's stable pod name; its hash is our NodeID.
	PodName string

	// DirectoryURL selects the ACME environment.
	DirectoryURL string

	// Email is the ACME account contact.
	Email string

	// PeerPort is the TCP port of the congress mesh.
	PeerPort int

	// StartupDelay is added to the first election timeout so replicas
	// starting together don't race.
	StartupDelay time.Duration

	// SettleDelay is waited after a role change before acting on it, in
	// case we are still starting up.
	SettleDelay time.Duration

	// PropagationDelay is how long a prepared challenge is given to reach
	// every replica before the CA is told to validate.
	PropagationDelay time.Duration

	// RenewBelowDays triggers renewal for certificates with fewer whole
	// valid days left.
	RenewBelowDays int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		PeerPort:         8000,
		StartupDelay:     15 * time.Second,
		SettleDelay:      2 * time.Second,
		PropagationDelay: 6 * time.Second,
		RenewBelowDays:   30,
	}
}

// System coordinates certificate issuance across replicas. It owns the
// congress senator and RPC network, drives the ACME client when this
// replica is the leader, and keeps every replica's certificate store in
// sync through replicated state messages.
type System struct {
	cfg     Config
	table   *routing.Table
	store   *certstore.Store
	secrets *kube.SecretStore

	rpc     *congress.Network
	senator *congress.Senator

	httpClient *http.Client

	// accountMu serializes account provisioning; reconcileMu serializes
	// reconciliation cycles triggered by role changes and routing events
	accountMu   sync.Mutex
	account     *acme.Account
	reconcileMu sync.Mutex

	logger zerolog.Logger
}

// New wires a leadership system over the shared routing table, certificate
// store and secret store.
func New(cfg Config, table *routing.Table, store *certstore.Store, secrets *kube.SecretStore) *System {
	rpc := congress.NewNetwork(congress.HashName(cfg.PodName))

	return &System{
		cfg:        cfg,
		table:      table,
		store:      store,
		secrets:    secrets,
		rpc:        rpc,
		senator:    congress.NewSenator(cfg.StartupDelay, rpc),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     log.WithComponent("leadership").With().Str("pod", cfg.PodName).Logger(),
	}
}

// NodeID returns this replica's congress id.
func (s *System) NodeID() congress.NodeID {
	return s.rpc.OurID()
}

// Senator exposes the underlying senator, mainly for introspection.
func (s *System) Senator() *congress.Senator {
	return s.senator
}

// Start seeds the certificate store from the persisted bundle, begins
// accepting peer connections, subscribes to congress and routing events,
// and starts the senator.
func (s *System) Start(ctx context.Context) error {
	// every replica bases its certificates on the persisted state, so a
	// restarted follower can serve TLS before it hears from a leader
	if entries, err := s.secrets.LoadCertBundle(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("could not load persisted certificates")
	} else if len(entries) > 0 {
		s.store.ReplaceCerts(entries)
		s.logger.Info().Int("hosts", len(entries)).Msg("seeded certificate store from secret")
	}

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.PeerPort))
	if err != nil {
		return fmt.Errorf("leadership: listen on peer port: %w", err)
	}
	go s.acceptPeers(ctx, listener)

	s.senator.OnRole(func(role congress.Role) {
		s.observeRole(role)
		go s.handleRoleChange(ctx, role)
	})

	s.senator.OnMessage(func(msg congress.Message) {
		go s.handleMessage(ctx, msg)
	})

	s.table.Subscribe(func(event routing.Event) {
		// table callbacks run under the table lock; hand off immediately
		switch event.Kind {
		case routing.EventPeerAdded:
			go s.dialPeer(ctx, event.Addr, event.Name)
		case routing.EventPeerRemoved:
			go s.rpc.RemovePeer(congress.HashName(event.Name))
		case routing.EventBackendChanged:
			go s.handleBackendChanged(ctx)
		}
	})

	s.senator.Start(ctx)
	s.logger.Info().Uint64("node_id", uint64(s.rpc.OurID())).Msg("leadership system started")
	return nil
}

// acceptPeers registers inbound mesh connections. The dialing side
// identifies itself with its 8-byte big-endian NodeID before frames start.
func (s *System) acceptPeers(ctx context.Context, listener net.Listener) {
	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Error().Err(err).Msg("peer accept failed")
			}
			return
		}

		go func() {
			if err := s.handleInbound(conn); err != nil {
				s.logger.Warn().Err(err).Msg("peer could not be added")
			}
			metrics.CongressPeers.Set(float64(len(s.rpc.Members())))
		}()
	}
}

func (s *System) handleInbound(conn net.Conn) error {
	var header [8]byte
	if _, err := io.ReadFull(conn, header[:]); err != nil {
		conn.Close()
		return fmt.Errorf("leadership: read peer id: %w", err)
	}

	peerID := congress.NodeID(binary.BigEndian.Uint64(header[:]))
	return s.rpc.AddPeer(congress.NewPeer(peerID, peerID, conn))
}

// dialPeer connects to a newly discovered replica, identifies us by
// writing our NodeID, and registers the stream as a peer established by us.
func (s *System) dialPeer(ctx context.Context, addr, name string) {
	target := net.JoinHostPort(addr, fmt.Sprintf("%d", s.cfg.PeerPort))

	conn, err := dialWithRetry(ctx, target)
	if err != nil {
		s.logger.Warn().Err(err).Str("peer", name).Str("addr", target).Msg("could not reach peer")
		return
	}

	var header [8]byte
	binary.BigEndian.PutUint64(header[:], uint64(s.rpc.OurID()))
	if _, err := conn.Write(header[:]); err != nil {
		conn.Close()
		s.logger.Warn().Err(err).Str("peer", name).Msg("could not identify to peer")
		return
	}

	if err := s.rpc.AddPeer(congress.NewPeer(s.rpc.OurID(), congress.HashName(name), conn)); err != nil {
		s.logger.Debug().Err(err).Str("peer", name).Msg("peer not added")
	}
	metrics.CongressPeers.Set(float64(len(s.rpc.Members())))
}

// dialWithRetry mirrors the pod-IP fetch schedule: a freshly added pod may
// not be listening yet.
func dialWithRetry(ctx context.Context, target string) (net.Conn, error) {
	var lastErr error
	previous, delay := time.Duration(0), 100*time.Millisecond

	for attempt := 0; attempt < 10; attempt++ {
		conn, err := (&net.Dialer{Timeout: 2 * time.Second}).DialContext(ctx, "tcp", target)
		if err == nil {
			return conn, nil
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		previous, delay = delay, previous+delay
	}
	return nil, lastErr
}

func (s *System) observeRole(role congress.Role) {
	if role == congress.RoleLeader {
		metrics.CongressIsLeader.Set(1)
	} else {
		metrics.CongressIsLeader.Set(0)
	}
	metrics.CongressTerm.Set(float64(s.senator.Term()))
	s.logger.Info().Str("role", string(role)).Uint64("term", s.senator.Term()).Msg("role changed")
}

// handleRoleChange reacts to congress transitions: a new leader reconciles
// and replicates; a new follower asks the leader for current state.
func (s *System) handleRoleChange(ctx context.Context, role congress.Role) {
	// wait a moment in case we are just starting up
	select {
	case <-ctx.Done():
		return
	case <-time.After(s.cfg.SettleDelay):
	}

	switch role {
	case congress.RoleLeader:
		if err := s.reconcile(ctx); err != nil {
			s.logger.Error().Err(err).Msg("reconciliation failed")
		}
		s.shareState()
	case congress.RoleFollower:
		s.broadcast(Message{Kind: MessageRequestState})
	}
}

// handleBackendChanged re-runs reconciliation when routing changes while
// we are the leader. Changes arriving while nobody leads are not lost: the
// next leader reconciles on election.
func (s *System) handleBackendChanged(ctx context.Context) {
	if s.senator.Role() != congress.RoleLeader {
		return
	}
	if err := s.reconcile(ctx); err != nil {
		s.logger.Error().Err(err).Msg("reconciliation failed")
		return
	}
	s.shareState()
}

// handleMessage applies replicated state and answers state requests.
func (s *System) handleMessage(ctx context.Context, raw congress.Message) {
	if raw.Kind != congress.KindCustom {
		return
	}

	msg, err := decodeMessage(raw.Custom)
	if err != nil {
		s.logger.Warn().Err(err).Uint64("from", uint64(raw.From)).Msg("discarding malformed peer message")
		return
	}

	switch msg.Kind {
	case MessageApplyChallenge:
		if msg.Challenge == nil {
			return
		}
		s.store.InstallChallenge(*msg.Challenge)
		metrics.ChallengesActive.Set(float64(len(s.store.CurrentChallenges())))
		s.logger.Info().Str("domain", msg.Challenge.Domain).Str("path", msg.Challenge.Path).Msg("applied replicated challenge")

	case MessageApplyCerts:
		s.store.ReplaceCerts(msg.Certs)
		metrics.CertificatesTotal.Set(float64(len(msg.Certs)))
		s.logger.Info().Int("hosts", len(msg.Certs)).Msg("applied replicated certificates")

	case MessageRequestState:
		if s.senator.Role() == congress.RoleLeader && raw.Term <= s.senator.Term() {
			s.shareState()
		}
	}
}

// shareState replicates the certificate map and every active challenge to
// all peers. Only the leader shares.
func (s *System) shareState() {
	if s.senator.Role() != congress.RoleLeader {
		return
	}

	s.broadcast(Message{Kind: MessageApplyCerts, Certs: s.store.CurrentCerts()})
	for _, challenge := range s.store.CurrentChallenges() {
		c := challenge
		s.broadcast(Message{Kind: MessageApplyChallenge, Challenge: &c})
	}
}

func (s *System) broadcast(msg Message) {
	payload, err := encodeMessage(msg)
	if err != nil {
		s.logger.Error().Err(err).Msg("could not encode broadcast")
		return
	}
	s.senator.Broadcast(congress.KindCustom, payload)
}

// Prepare implements acme.ChallengeSolver: the challenge is installed
// locally, replicated to every peer, and given a propagation delay before
// the ACME client lets the CA validate. Any replica can then answer the
// validator's probe, so no sticky routing is needed.
func (s *System) Prepare(ctx context.Context, challenge acme.Http01Challenge) error {
	s.logger.Info().Str("domain", challenge.Domain).Msg("preparing challenge")

	s.store.InstallChallenge(challenge)
	metrics.ChallengesActive.Set(float64(len(s.store.CurrentChallenges())))
	s.broadcast(Message{Kind: MessageApplyChallenge, Challenge: &challenge})

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(s.cfg.PropagationDelay):
		return nil
	}
}

// ensureAccount lazily provisions the ACME account the first time this
// replica becomes leader: recovered from the account secret when present,
// freshly registered and persisted otherwise.
func (s *System) ensureAccount(ctx context.Context) (*acme.Account, error) {
	s.accountMu.Lock()
	defer s.accountMu.Unlock()

	if s.account != nil {
		return s.account, nil
	}

	directory, err := acme.FetchDirectory(ctx, s.httpClient, s.cfg.DirectoryURL)
	if err != nil {
		return nil, err
	}

	material, err := s.secrets.LoadAccount(ctx)
	switch {
	case err == nil:
		account, err := acme.RecoverAccount(ctx, s.httpClient, directory, material.Email, material.ESKey, material.PrivateKeyPEM)
		if err != nil {
			return nil, err
		}
		s.logger.Info().Str("account", account.URL).Msg("recovered acme account")
		s.account = account

	case apierrors.IsNotFound(err):
		account, err := acme.NewAccount(ctx, s.httpClient, directory, s.cfg.Email)
		if err != nil {
			return nil, err
		}

		keyPEM, err := account.CustomerKeyPEM()
		if err != nil {
			return nil, err
		}
		if err := s.secrets.SaveAccount(ctx, &kube.AccountMaterial{
			Email:         account.Email,
			ESKey:         account.ESKeyBytes(),
			PrivateKeyPEM: keyPEM,
		}); err != nil {
			return nil, err
		}
		s.logger.Info().Str("account", account.URL).Msg("registered new acme account")
		s.account = account

	default:
		return nil, fmt.Errorf("leadership: load account secret: %w", err)
	}

	return s.account, nil
}

// reconcile is the leader-only certificate loop: every routed host missing
// from the store, or whose certificate is close to expiry, gets an ACME
// order; the resulting store is persisted and replicated.
func (s *System) reconcile(ctx context.Context) error {
	s.reconcileMu.Lock()
	defer s.reconcileMu.Unlock()

	if s.senator.Role() != congress.RoleLeader {
		return nil
	}

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ReconciliationDuration)

	account, err := s.ensureAccount(ctx)
	if err != nil {
		return fmt.Errorf("leadership: ensure acme account: %w", err)
	}

	changed := false
	for _, host := range s.table.Hosts() {
		if !s.certificateNeeded(host) {
			continue
		}

		hostLog := log.WithHost("leadership", host)
		hostLog.Info().Msg("ordering certificate")
		entry, err := s.orderCertificate(ctx, account, host)
		if err != nil {
			metrics.ACMEOrdersTotal.WithLabelValues("failed").Inc()
			hostLog.Error().Err(err).Msg("certificate order failed")
			continue
		}

		metrics.ACMEOrdersTotal.WithLabelValues("issued").Inc()
		s.store.InstallCert(host, entry)
		changed = true
	}

	if changed {
		if err := s.secrets.SaveCertBundle(ctx, s.store.CurrentCerts()); err != nil {
			return fmt.Errorf("leadership: persist certificates: %w", err)
		}
	}
	metrics.CertificatesTotal.Set(float64(len(s.store.Hosts())))
	return nil
}

// certificateNeeded reports whether a host is missing a certificate or
// holds one that should be renewed.
func (s *System) certificateNeeded(host string) bool {
	entry, ok := s.store.GetCert(host)
	if !ok {
		return true
	}

	leaf, err := acme.LeafFromDER(entry.CertsDER)
	if err != nil {
		log.WithHost("leadership", host).Warn().Err(err).Msg("unreadable stored certificate, reissuing")
		return true
	}
	return acme.DaysUntilExpiry(leaf, time.Now()) < s.cfg.RenewBelowDays
}

func (s *System) orderCertificate(ctx context.Context, account *acme.Account, host string) (*certstore.Entry, error) {
	cert, err := account.GenerateCertificate(ctx, []string{host}, s)
	if err != nil {
		return nil, err
	}

	certsDER, err := cert.CertificatesDER()
	if err != nil {
		return nil, err
	}
	keyDER, err := cert.PrivateKeyDER()
	if err != nil {
		return nil, err
	}

	return certstore.NewEntry(certsDER, keyDER)
}
