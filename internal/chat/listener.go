package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sjoeboo/relay/internal/logging"
)

// Handler receives validated inbound events.
type Handler func(ctx context.Context, ev InboundEvent)

// Listener reads inbound events from a websocket stream and reconnects with
// exponential backoff when the connection drops.
type Listener struct {
	url        string
	token      string
	handler    Handler
	dialer     *websocket.Dialer
	minBackoff time.Duration
	maxBackoff time.Duration
	log        *slog.Logger
}

// NewListener creates a listener for the stream at url.
func NewListener(url, token string, h Handler) *Listener {
	return &Listener{
		url:        url,
		token:      token,
		handler:    h,
		dialer:     websocket.DefaultDialer,
		minBackoff: time.Second,
		maxBackoff: 30 * time.Second,
		log:        logging.ForComponent(logging.CompChat),
	}
}

// Run connects and dispatches events until ctx is cancelled. It returns nil
// on cancellation.
func (l *Listener) Run(ctx context.Context) error {
	backoff := l.minBackoff
	for {
		start := time.Now()
		err := l.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if time.Since(start) > l.maxBackoff {
			backoff = l.minBackoff
		}
		l.log.Warn("stream_disconnected", slog.String("error", errString(err)), slog.Duration("retry_in", backoff))

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > l.maxBackoff {
			backoff = l.maxBackoff
		}
	}
}

// session runs one connection until it fails.
func (l *Listener) session(ctx context.Context) error {
	header := http.Header{}
	if l.token != "" {
		header.Set("Authorization", "Bearer "+l.token)
	}
	conn, _, err := l.dialer.DialContext(ctx, l.url, header)
	if err != nil {
		return fmt.Errorf("dial %s: %w", l.url, err)
	}
	defer conn.Close()
	l.log.Info("stream_connected", slog.String("url", l.url))

	// unblock ReadMessage on cancellation
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var ev InboundEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			l.log.Debug("stream_event_discarded", slog.String("error", err.Error()))
			continue
		}
		if err := ev.Validate(); err != nil {
			l.log.Debug("stream_event_discarded", slog.String("error", err.Error()))
			continue
		}
		l.handler(ctx, ev)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
