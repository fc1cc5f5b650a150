package gateway_test

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sjoeboo/relay/internal/chat"
	"github.com/sjoeboo/relay/internal/gateway"
)

const validEvent = `{"event_id":"e1","sender_id":"u1","chat_id":"c1","chat_type":"p2p","message_type":"text","content":"{\"text\":\"hi\"}"}`

func newServer(t *testing.T, opts gateway.Options) (*gateway.Server, chan chat.InboundEvent) {
	t.Helper()
	got := make(chan chat.InboundEvent, 4)
	return gateway.New(opts, func(_ context.Context, ev chat.InboundEvent) { got <- ev }), got
}

func post(srv http.Handler, body, auth string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/events", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, req)
	return rr
}

func receive(t *testing.T, got chan chat.InboundEvent) chat.InboundEvent {
	t.Helper()
	select {
	case ev := <-got:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("event not dispatched")
		return chat.InboundEvent{}
	}
}

func TestGateway_ValidEvent(t *testing.T) {
	srv, got := newServer(t, gateway.Options{})

	rr := post(srv, validEvent, "")
	assert.Equal(t, http.StatusOK, rr.Code)

	ev := receive(t, got)
	assert.Equal(t, "e1", ev.EventID)
	assert.Equal(t, "c1", ev.ChatID)
}

func TestGateway_MalformedEventsAcknowledged(t *testing.T) {
	srv, got := newServer(t, gateway.Options{})

	for _, body := range []string{"", "{not json", `{"chat_id":"c1"}`} {
		rr := post(srv, body, "")
		assert.Equal(t, http.StatusOK, rr.Code, "body %q", body)
	}
	select {
	case ev := <-got:
		t.Fatalf("unexpected dispatch: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestGateway_WrongMethod(t *testing.T) {
	srv, _ := newServer(t, gateway.Options{})

	req := httptest.NewRequest(http.MethodGet, "/events", nil)
	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestGateway_StaticToken(t *testing.T) {
	srv, got := newServer(t, gateway.Options{Token: "s3cret"})

	assert.Equal(t, http.StatusUnauthorized, post(srv, validEvent, "").Code)
	assert.Equal(t, http.StatusUnauthorized, post(srv, validEvent, "Bearer wrong").Code)
	assert.Equal(t, http.StatusUnauthorized, post(srv, validEvent, "s3cret").Code)

	assert.Equal(t, http.StatusOK, post(srv, validEvent, "Bearer s3cret").Code)
	receive(t, got)
}

func sign(t *testing.T, secret string, method jwt.SigningMethod, exp time.Time) string {
	t.Helper()
	claims := jwt.RegisteredClaims{
		Subject:   "platform",
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(exp),
	}
	s, err := jwt.NewWithClaims(method, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

func TestGateway_JWT(t *testing.T) {
	srv, got := newServer(t, gateway.Options{Token: "static", JWTSecret: "hmac-key"})

	good := sign(t, "hmac-key", jwt.SigningMethodHS256, time.Now().Add(time.Minute))
	assert.Equal(t, http.StatusOK, post(srv, validEvent, "Bearer "+good).Code)
	receive(t, got)

	// static token still works alongside JWT
	assert.Equal(t, http.StatusOK, post(srv, validEvent, "Bearer static").Code)
	receive(t, got)

	tests := map[string]string{
		"wrong secret": sign(t, "other", jwt.SigningMethodHS256, time.Now().Add(time.Minute)),
		"expired":      sign(t, "hmac-key", jwt.SigningMethodHS256, time.Now().Add(-time.Minute)),
		"garbage":      "a.b.c",
	}
	for name, tok := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, http.StatusUnauthorized, post(srv, validEvent, "Bearer "+tok).Code)
		})
	}
}

func TestGateway_Healthz(t *testing.T) {
	srv, _ := newServer(t, gateway.Options{Token: "x"})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rr.Body.String())
}

func TestGateway_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "relay_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Inc()

	srv, _ := newServer(t, gateway.Options{Gatherer: reg})
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "relay_test_total 1")

	noMetrics, _ := newServer(t, gateway.Options{})
	rr = httptest.NewRecorder()
	noMetrics.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestGateway_StartAndShutdown(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	srv, got := newServer(t, gateway.Options{Addr: addr})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Start(ctx) }()

	url := fmt.Sprintf("http://%s/events", addr)
	var resp *http.Response
	require.Eventually(t, func() bool {
		resp, err = http.Post(url, "application/json", bytes.NewReader([]byte(validEvent)))
		return err == nil
	}, 2*time.Second, 20*time.Millisecond)
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	receive(t, got)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
