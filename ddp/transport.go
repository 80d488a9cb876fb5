package ddp

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024
	sendBufferSize = 256
)

// Transport is the collaborator spec.md §1 calls out as external: "only
// its send/receive/open contract matters." Session depends on this
// interface, not on gorilla/websocket directly, so it can be driven by
// a fake in tests.
type Transport interface {
	// Connect dials the remote endpoint and returns a channel of
	// inbound text frames. The channel is closed when the transport
	// disconnects for any reason, at which point Err reports why (nil
	// for a clean close).
	Connect(ctx context.Context) (<-chan []byte, error)
	// Send queues an outbound text frame. Send may be called
	// concurrently with Connect's returned channel being read.
	Send(frame []byte) error
	// Err returns the reason the inbound channel closed, valid only
	// after it has closed.
	Err() error
	// Close tears down the connection, closing the inbound channel if
	// it is not already closed.
	Close() error
}

// WebSocketTransport is a Transport backed by gorilla/websocket,
// structured after the teacher's hub/client read-pump + write-pump
// pair: one goroutine owns all writes (including periodic keepalive
// pings), one goroutine owns all reads, and the pair tear each other
// down via a shared context.
type WebSocketTransport struct {
	url    string
	origin string
	logger *zap.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	send      chan []byte
	err       error
	closeOnce sync.Once
	closeErr  error
}

// NewWebSocketTransport returns a Transport that will dial url on
// Connect. origin, when non-empty, is sent as the WebSocket handshake's
// Origin header.
func NewWebSocketTransport(url, origin string, logger *zap.Logger) *WebSocketTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebSocketTransport{url: url, origin: origin, logger: logger}
}

func (t *WebSocketTransport) Connect(ctx context.Context) (<-chan []byte, error) {
	header := make(map[string][]string)
	if t.origin != "" {
		header["Origin"] = []string{t.origin}
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, t.url, header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", t.url, err)
	}

	t.mu.Lock()
	t.conn = conn
	t.send = make(chan []byte, sendBufferSize)
	t.err = nil
	t.closeOnce = sync.Once{}
	t.mu.Unlock()

	incoming := make(chan []byte, sendBufferSize)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return t.readPump(groupCtx, incoming) })
	group.Go(func() error { return t.writePump(groupCtx) })

	go func() {
		err := group.Wait()
		t.mu.Lock()
		t.err = err
		t.mu.Unlock()
		close(incoming)
	}()

	return incoming, nil
}

func (t *WebSocketTransport) readPump(ctx context.Context, incoming chan<- []byte) error {
	defer t.Close()

	t.conn.SetReadLimit(maxMessageSize)
	_ = t.conn.SetReadDeadline(time.Now().Add(pongWait))
	t.conn.SetPongHandler(func(string) error {
		return t.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		msgType, data, err := t.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				t.logger.Warn("ddp transport read error", zap.Error(err))
				return err
			}
			return nil
		}
		if msgType != websocket.TextMessage {
			continue
		}
		select {
		case incoming <- data:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (t *WebSocketTransport) writePump(ctx context.Context) error {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer t.Close()

	for {
		select {
		case msg, ok := <-t.send:
			if !ok {
				return nil
			}
			_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := t.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return err
			}
		case <-ticker.C:
			_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := t.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (t *WebSocketTransport) Send(frame []byte) error {
	t.mu.Lock()
	ch := t.send
	t.mu.Unlock()
	if ch == nil {
		return fmt.Errorf("ddp transport: not connected")
	}
	select {
	case ch <- frame:
		return nil
	default:
		return fmt.Errorf("ddp transport: send buffer full")
	}
}

func (t *WebSocketTransport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *WebSocketTransport) Close() error {
	t.mu.Lock()
	conn := t.conn
	send := t.send
	once := &t.closeOnce
	t.mu.Unlock()

	once.Do(func() {
		if send != nil {
			close(send)
		}
		t.mu.Lock()
		t.send = nil
		t.mu.Unlock()
		if conn != nil {
			t.closeErr = conn.Close()
		}
	})
	return t.closeErr
}
