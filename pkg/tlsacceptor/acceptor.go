package tlsacceptor

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/iter-org/drawbridge/pkg/log"
	"github.com/iter-org/drawbridge/pkg/metrics"
	"github.com/rs/zerolog"
)

// handshakeTimeout bounds how long a client may take to complete its
// handshake before the connection is dropped.
const handshakeTimeout = 10 * time.Second

var errUnknownServerName = errors.New("tlsacceptor: no certificate for requested server name")

// ConfigResolver resolves a TLS server configuration from the SNI name of
// a ClientHello. The certificate store implements this.
type ConfigResolver interface {
	GetServerConfig(sniName string) (*tls.Config, bool)
}

// Acceptor terminates TLS for the data plane. It accepts raw TCP
// connections, inspects the ClientHello to resolve a per-host server
// configuration by SNI, completes the handshake, and queues the resulting
// stream for the HTTP server. Clients that send no SNI, or an SNI with no
// stored certificate, are dropped.
//
// Acceptor implements net.Listener over the queue of completed
// connections, so it plugs straight into http.Server.Serve.
type Acceptor struct {
	inner    net.Listener
	resolver ConfigResolver

	conns chan net.Conn

	closeOnce sync.Once
	closed    chan struct{}

	logger zerolog.Logger
}

// New wraps a raw listener and starts the accept loop.
func New(inner net.Listener, resolver ConfigResolver) *Acceptor {
	a := &Acceptor{
		inner:    inner,
		resolver: resolver,
		conns:    make(chan net.Conn, 128),
		closed:   make(chan struct{}),
		logger:   log.WithComponent("tls-acceptor"),
	}
	go a.acceptLoop()
	return a
}

func (a *Acceptor) acceptLoop() {
	for {
		conn, err := a.inner.Accept()
		if err != nil {
			select {
			case <-a.closed:
			default:
				a.logger.Error().Err(err).Msg("accept failed")
				a.Close()
			}
			return
		}
		go a.handleConn(conn)
	}
}

// handleConn completes the TLS handshake for one connection. The server
// configuration is resolved lazily from the ClientHello's SNI: crypto/tls
// reads just enough of the stream to produce the hello, then hands it to
// GetConfigForClient before continuing the handshake.
func (a *Acceptor) handleConn(conn net.Conn) {
	tlsConn := tls.Server(conn, &tls.Config{
		GetConfigForClient: func(hello *tls.ClientHelloInfo) (*tls.Config, error) {
			if hello.ServerName == "" {
				return nil, errUnknownServerName
			}
			config, ok := a.resolver.GetServerConfig(hello.ServerName)
			if !ok {
				return nil, errUnknownServerName
			}
			return config, nil
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), handshakeTimeout)
	defer cancel()

	if err := tlsConn.HandshakeContext(ctx); err != nil {
		outcome := "failed"
		if errors.Is(err, errUnknownServerName) {
			outcome = "unknown_sni"
		}
		metrics.TLSHandshakesTotal.WithLabelValues(outcome).Inc()
		a.logger.Debug().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("dropping connection")
		conn.Close()
		return
	}

	metrics.TLSHandshakesTotal.WithLabelValues("completed").Inc()

	select {
	case a.conns <- tlsConn:
	case <-a.closed:
		tlsConn.Close()
	}
}

// Accept returns the next connection with a completed TLS handshake.
func (a *Acceptor) Accept() (net.Conn, error) {
	select {
	case conn := <-a.conns:
		return conn, nil
	case <-a.closed:
		return nil, net.ErrClosed
	}
}

// Close stops accepting and closes the underlying listener.
func (a *Acceptor) Close() error {
	var err error
	a.closeOnce.Do(func() {
		close(a.closed)
		err = a.inner.Close()
	})
	return err
}

// Addr returns the underlying listener's address.
func (a *Acceptor) Addr() net.Addr {
	return a.inner.Addr()
}
