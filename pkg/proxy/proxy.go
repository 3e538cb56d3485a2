package proxy

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/iter-org/drawbridge/pkg/certstore"
	"github.com/iter-org/drawbridge/pkg/log"
	"github.com/iter-org/drawbridge/pkg/metrics"
	"github.com/iter-org/drawbridge/pkg/routing"
	"github.com/rs/zerolog"
)

// Handler is the single data-plane request handler serving both :80 and
// :443. It answers ACME validation probes and health checks locally and
// forwards everything else to the backend resolved from the routing table.
type Handler struct {
	table     *routing.Table
	store     *certstore.Store
	transport http.RoundTripper
	logger    zerolog.Logger
}

// NewHandler creates the data-plane handler with a shared HTTP/1.1
// transport for all backend traffic.
func NewHandler(table *routing.Table, store *certstore.Store) *Handler {
	return &Handler{
		table: table,
		store: store,
		transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:        256,
			MaxIdleConnsPerHost: 32,
			IdleConnTimeout:     90 * time.Second,
		},
		logger: log.WithComponent("proxy"),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ProxyRequestDuration)

	host := requestHost(r)
	if host == "" {
		metrics.ProxyRequestsTotal.WithLabelValues("no_host").Inc()
		http.Error(w, "no host or authority in request", http.StatusNotFound)
		return
	}

	path := r.URL.Path

	// ACME validators probe the well-known path over plain HTTP; challenge
	// bodies are served from the replicated store on every replica
	if contents, ok := h.store.ResolveChallenge(host, path); ok {
		metrics.ProxyRequestsTotal.WithLabelValues("challenge").Inc()
		h.logger.Info().Str("host", host).Str("path", path).Msg("serving acme challenge")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, contents)
		return
	}

	if path == "/health-check" {
		metrics.ProxyRequestsTotal.WithLabelValues("health").Inc()
		w.WriteHeader(http.StatusOK)
		return
	}

	backend, err := h.table.GetBackend(host, path)
	if err != nil {
		var noRoute *routing.NoRouteError
		if errors.As(err, &noRoute) {
			metrics.ProxyRequestsTotal.WithLabelValues("no_route").Inc()
			h.logger.Warn().Str("host", host).Str("path", path).Msg("no backend for request")
			http.Error(w, "no backend for host", http.StatusNotFound)
			return
		}
		metrics.ProxyRequestsTotal.WithLabelValues("error").Inc()
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	h.forward(w, r, host, backend)
}

// forward rewrites the request to the backend and streams the response
// back. WebSocket upgrades ride the same path: the reverse proxy splices
// the two upgraded streams until either side closes.
func (h *Handler) forward(w http.ResponseWriter, r *http.Request, host, backend string) {
	requestID := uuid.NewString()

	target := &url.URL{Scheme: "http", Host: backend}
	reverseProxy := &httputil.ReverseProxy{
		Transport: h.transport,
		Director: func(req *http.Request) {
			req.URL.Scheme = target.Scheme
			req.URL.Host = target.Host
			// preserve the original Host header for virtual hosting
			req.Host = host
			req.Header.Set("X-Request-Id", requestID)
			req.Header.Set("X-Forwarded-For", r.RemoteAddr)
			req.Header.Set("X-Forwarded-Proto", forwardedProto(r))
			req.Header.Set("X-Forwarded-Host", host)
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			metrics.ProxyRequestsTotal.WithLabelValues("bad_gateway").Inc()
			h.logger.Error().
				Err(err).
				Str("request_id", requestID).
				Str("backend", backend).
				Msg("backend request failed")
			w.WriteHeader(http.StatusBadGateway)
			fmt.Fprintf(w, "Ingress Error\ncould not reach backend %s: %v\n", backend, err)
		},
	}

	metrics.ProxyRequestsTotal.WithLabelValues("proxied").Inc()
	h.logger.Debug().
		Str("request_id", requestID).
		Str("method", r.Method).
		Str("host", host).
		Str("path", r.URL.Path).
		Str("backend", backend).
		Msg("forwarding request")

	reverseProxy.ServeHTTP(w, r)
}

// requestHost extracts the host from the Host header or the request
// authority, without any port.
func requestHost(r *http.Request) string {
	host := r.Host
	if host == "" {
		host = r.URL.Host
	}
	if host == "" {
		return ""
	}

	if stripped, _, err := net.SplitHostPort(host); err == nil {
		return stripped
	}
	return host
}

func forwardedProto(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	return "http"
}
