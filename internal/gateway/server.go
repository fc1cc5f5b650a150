// Package gateway receives chat platform webhooks and exposes health and
// metrics endpoints.
package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sjoeboo/relay/internal/chat"
	"github.com/sjoeboo/relay/internal/logging"
)

const maxBody = 1 << 16 // 64KB

var errUnauthorized = errors.New("unauthorized")

// Options configures a Server.
type Options struct {
	// Addr is the listen address, e.g. 127.0.0.1:8787.
	Addr string
	// Token, when set, is accepted as a static bearer token.
	Token string
	// JWTSecret, when set, accepts HS256 bearer tokens signed with it.
	JWTSecret string
	// Gatherer backs /metrics. Nil disables the endpoint.
	Gatherer prometheus.Gatherer
}

// Server is the webhook HTTP server.
type Server struct {
	opts    Options
	handler chat.Handler
	server  *http.Server
	log     *slog.Logger
	// base is the context handed to dispatched events; replaced by Start.
	base context.Context
}

// New creates a Server. An empty Addr is valid for tests (use ServeHTTP directly).
func New(opts Options, h chat.Handler) *Server {
	s := &Server{
		opts:    opts,
		handler: h,
		log:     logging.ForComponent(logging.CompGateway),
		base:    context.Background(),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/events", s.handleEvent)
	mux.HandleFunc("/healthz", s.handleHealth)
	if opts.Gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}
	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// ServeHTTP delegates to the mux.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.server.Handler.ServeHTTP(w, r)
}

// Start binds to the configured address and serves until ctx is cancelled.
// Returns nil on clean shutdown.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("gateway listen %s: %w", s.opts.Addr, err)
	}
	s.base = ctx
	s.log.Info("gateway_started", slog.String("addr", ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutCtx)
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// handleEvent acknowledges quickly and handles the event in the background.
// Malformed events are acknowledged too so the platform does not retry them.
func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.authorize(r); err != nil {
		s.log.Warn("gateway_unauthorized", slog.String("remote", r.RemoteAddr), slog.String("error", err.Error()))
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil || len(body) == 0 {
		w.WriteHeader(http.StatusOK)
		return
	}

	var ev chat.InboundEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		s.log.Debug("gateway_event_discarded", slog.String("error", err.Error()))
		w.WriteHeader(http.StatusOK)
		return
	}
	if err := ev.Validate(); err != nil {
		s.log.Debug("gateway_event_discarded", slog.String("error", err.Error()))
		w.WriteHeader(http.StatusOK)
		return
	}

	go s.handler(s.base, ev)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) authorize(r *http.Request) error {
	if s.opts.Token == "" && s.opts.JWTSecret == "" {
		return nil
	}
	raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || raw == "" {
		return fmt.Errorf("%w: missing bearer token", errUnauthorized)
	}
	if s.opts.Token != "" && subtle.ConstantTimeCompare([]byte(raw), []byte(s.opts.Token)) == 1 {
		return nil
	}
	if s.opts.JWTSecret != "" {
		return s.verifyJWT(raw)
	}
	return fmt.Errorf("%w: token mismatch", errUnauthorized)
}

func (s *Server) verifyJWT(raw string) error {
	token, err := jwt.ParseWithClaims(raw, &jwt.RegisteredClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(s.opts.JWTSecret), nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", errUnauthorized, err)
	}
	if !token.Valid {
		return fmt.Errorf("%w: invalid token", errUnauthorized)
	}
	return nil
}
