package leadership

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/binary"
	"encoding/json"
	"io"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/iter-org/drawbridge/pkg/acme"
	"github.com/iter-org/drawbridge/pkg/certstore"
	"github.com/iter-org/drawbridge/pkg/congress"
	"github.com/iter-org/drawbridge/pkg/kube"
	"github.com/iter-org/drawbridge/pkg/log"
	"github.com/iter-org/drawbridge/pkg/routing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/client-go/kubernetes/fake"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true, Output: io.Discard})
}

func newTestSystem(t *testing.T) *System {
	t.Helper()

	cfg := DefaultConfig()
	cfg.PodName = "drawbridge-test-pod"
	cfg.PeerPort = 0
	cfg.StartupDelay = 0
	cfg.SettleDelay = 10 * time.Millisecond
	cfg.PropagationDelay = 50 * time.Millisecond
	cfg.Email = "ops@example.test"
	cfg.DirectoryURL = "http://127.0.0.1:1/directory" // never reached in these tests

	secrets := kube.NewSecretStore(fake.NewSimpleClientset(), "drawbridge-ingress", "staging")
	return New(cfg, routing.NewTable(), certstore.New(), secrets)
}

func entryExpiringIn(t *testing.T, host string, lifetime time.Duration) *certstore.Entry {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: host},
		DNSNames:     []string{host},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(lifetime),
	}
	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)

	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)

	entry, err := certstore.NewEntry([][]byte{certDER}, keyDER)
	require.NoError(t, err)
	return entry
}

func TestMessageRoundTrip(t *testing.T) {
	challenge := &acme.Http01Challenge{
		Domain:   "example.test",
		Path:     "/.well-known/acme-challenge/tok",
		Contents: "tok.thumb",
	}

	payload, err := encodeMessage(Message{Kind: MessageApplyChallenge, Challenge: challenge})
	require.NoError(t, err)

	decoded, err := decodeMessage(payload)
	require.NoError(t, err)
	assert.Equal(t, MessageApplyChallenge, decoded.Kind)
	require.NotNil(t, decoded.Challenge)
	assert.Equal(t, *challenge, *decoded.Challenge)

	entries := map[string]*certstore.Entry{"example.test": entryExpiringIn(t, "example.test", 24*time.Hour)}
	payload, err = encodeMessage(Message{Kind: MessageApplyCerts, Certs: entries})
	require.NoError(t, err)

	decoded, err = decodeMessage(payload)
	require.NoError(t, err)
	assert.Equal(t, MessageApplyCerts, decoded.Kind)
	require.Contains(t, decoded.Certs, "example.test")
	assert.Equal(t, entries["example.test"].CertsDER, decoded.Certs["example.test"].CertsDER)
	require.NotNil(t, decoded.Certs["example.test"].ServerConfig())
}

func TestHandleMessageAppliesChallenge(t *testing.T) {
	system := newTestSystem(t)

	payload, err := encodeMessage(Message{
		Kind: MessageApplyChallenge,
		Challenge: &acme.Http01Challenge{
			Domain:   "example.test",
			Path:     "/.well-known/acme-challenge/tok",
			Contents: "tok.thumb",
		},
	})
	require.NoError(t, err)

	system.handleMessage(context.Background(), congress.Message{
		From:   42,
		Kind:   congress.KindCustom,
		Custom: payload,
	})

	contents, ok := system.store.ResolveChallenge("example.test", "/.well-known/acme-challenge/tok")
	require.True(t, ok)
	assert.Equal(t, "tok.thumb", contents)
}

func TestHandleMessageReplacesCerts(t *testing.T) {
	system := newTestSystem(t)
	system.store.InstallCert("old.test", entryExpiringIn(t, "old.test", 24*time.Hour))

	payload, err := encodeMessage(Message{
		Kind:  MessageApplyCerts,
		Certs: map[string]*certstore.Entry{"new.test": entryExpiringIn(t, "new.test", 24*time.Hour)},
	})
	require.NoError(t, err)

	system.handleMessage(context.Background(), congress.Message{Kind: congress.KindCustom, Custom: payload})

	_, ok := system.store.GetCert("old.test")
	assert.False(t, ok)
	_, ok = system.store.GetCert("new.test")
	assert.True(t, ok)
}

func TestHandleMessageIgnoresMalformedPayload(t *testing.T) {
	system := newTestSystem(t)

	system.handleMessage(context.Background(), congress.Message{
		Kind:   congress.KindCustom,
		Custom: json.RawMessage(`{"kind":`),
	})

	assert.Empty(t, system.store.Hosts())
}

// Prepare must install the challenge locally and replicate it to peers
// before returning, so every replica can answer the validator's probe.
func TestPrepareReplicatesChallenge(t *testing.T) {
	system := newTestSystem(t)

	peerNetwork := congress.NewNetwork(999)
	ourConn, peerConn := net.Pipe()
	require.NoError(t, system.rpc.AddPeer(congress.NewPeer(999, 999, ourConn)))
	require.NoError(t, peerNetwork.AddPeer(congress.NewPeer(999, system.NodeID(), peerConn)))

	challenge := acme.Http01Challenge{
		Domain:   "example.test",
		Path:     "/.well-known/acme-challenge/tok",
		Contents: "tok.thumb",
	}

	start := time.Now()
	require.NoError(t, system.Prepare(context.Background(), challenge))
	assert.GreaterOrEqual(t, time.Since(start), system.cfg.PropagationDelay,
		"Prepare must wait out the propagation delay")

	// installed locally
	contents, ok := system.store.ResolveChallenge("example.test", "/.well-known/acme-challenge/tok")
	require.True(t, ok)
	assert.Equal(t, "tok.thumb", contents)

	// replicated to the peer
	select {
	case raw := <-peerNetwork.Messages():
		require.Equal(t, congress.KindCustom, raw.Kind)
		msg, err := decodeMessage(raw.Custom)
		require.NoError(t, err)
		assert.Equal(t, MessageApplyChallenge, msg.Kind)
		require.NotNil(t, msg.Challenge)
		assert.Equal(t, challenge, *msg.Challenge)
	case <-time.After(time.Second):
		t.Fatal("challenge was not replicated to the peer")
	}
}

// A non-leader must not answer RequestState.
func TestRequestStateIgnoredByNonLeader(t *testing.T) {
	system := newTestSystem(t)

	peerNetwork := congress.NewNetwork(999)
	ourConn, peerConn := net.Pipe()
	require.NoError(t, system.rpc.AddPeer(congress.NewPeer(999, 999, ourConn)))
	require.NoError(t, peerNetwork.AddPeer(congress.NewPeer(999, system.NodeID(), peerConn)))

	payload, err := encodeMessage(Message{Kind: MessageRequestState})
	require.NoError(t, err)

	system.handleMessage(context.Background(), congress.Message{
		From:   999,
		Term:   0,
		Kind:   congress.KindCustom,
		Custom: payload,
	})

	select {
	case msg := <-peerNetwork.Messages():
		t.Fatalf("follower should not share state, got %v", msg.Kind)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestCertificateNeeded(t *testing.T) {
	system := newTestSystem(t)

	// missing host
	assert.True(t, system.certificateNeeded("missing.test"))

	// fresh certificate
	system.store.InstallCert("fresh.test", entryExpiringIn(t, "fresh.test", 60*24*time.Hour))
	assert.False(t, system.certificateNeeded("fresh.test"))

	// close to expiry
	system.store.InstallCert("stale.test", entryExpiringIn(t, "stale.test", 10*24*time.Hour))
	assert.True(t, system.certificateNeeded("stale.test"))
}

// The accept side reads the dialing side's 8-byte NodeID preamble and
// registers the peer as established by the remote.
func TestHandleInbound(t *testing.T) {
	system := newTestSystem(t)

	local, remote := net.Pipe()

	done := make(chan error, 1)
	go func() { done <- system.handleInbound(local) }()

	var header [8]byte
	binary.BigEndian.PutUint64(header[:], 4242)
	_, err := remote.Write(header[:])
	require.NoError(t, err)

	require.NoError(t, <-done)
	assert.Contains(t, system.rpc.Members(), congress.NodeID(4242))
}

func TestNodeIDIsHashedPodName(t *testing.T) {
	system := newTestSystem(t)
	assert.Equal(t, congress.HashName("drawbridge-test-pod"), system.NodeID())
}
