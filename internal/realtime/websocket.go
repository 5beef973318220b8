package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"chatsync/internal/domain"
)

const (
	writeWait = 10 * time.Second
	// The server pings every 54s; a connection silent for longer is dead.
	pongWait = 60 * time.Second
)

// WebSocketTransport subscribes to the /ws endpoint of the relay server,
// authenticating with the session's bearer token.
type WebSocketTransport struct {
	URL    string
	Dialer *websocket.Dialer
}

var _ Transport = (*WebSocketTransport)(nil)

func NewWebSocketTransport(url string) *WebSocketTransport {
	return &WebSocketTransport{URL: url, Dialer: websocket.DefaultDialer}
}

func (t *WebSocketTransport) Subscribe(ctx context.Context, session domain.Session) (Subscription, error) {
	if !session.Valid() {
		return nil, fmt.Errorf("subscribe: %w", domain.ErrUnauthorized)
	}
	dialer := t.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+session.Token)
	conn, resp, err := dialer.DialContext(ctx, t.URL, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("dial %s: %s: %w", t.URL, resp.Status, domain.ErrUnauthorized)
		}
		return nil, fmt.Errorf("dial %s: %v: %w", t.URL, err, domain.ErrTransient)
	}

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	sub := &wsSubscription{conn: conn, done: make(chan struct{})}
	go func() {
		select {
		case <-ctx.Done():
			sub.Close()
		case <-sub.done:
		}
	}()
	return sub, nil
}

type wsSubscription struct {
	conn *websocket.Conn
	once sync.Once
	done chan struct{}
}

func (s *wsSubscription) Next(ctx context.Context) (domain.ChangeEvent, error) {
	_, data, err := s.conn.ReadMessage()
	if err != nil {
		if ctx.Err() != nil {
			return domain.ChangeEvent{}, ctx.Err()
		}
		return domain.ChangeEvent{}, fmt.Errorf("read change stream: %v: %w", err, domain.ErrTransient)
	}
	s.conn.SetReadDeadline(time.Now().Add(pongWait))

	var ev domain.ChangeEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return domain.ChangeEvent{}, fmt.Errorf("decode change event: %v: %w", err, domain.ErrInvalidArgument)
	}
	return ev, nil
}

func (s *wsSubscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
		err = s.conn.Close()
	})
	return err
}
