package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Initial reconnection delay.
	reconnectDelay = 2 * time.Second

	// Maximum reconnection delay.
	maxReconnectDelay = 60 * time.Second
)

// ErrAwaitTimeout is returned by Await when no terminal execution report
// arrived within the wait window. The order may still fill; callers fall
// back to polling the REST API.
var ErrAwaitTimeout = errors.New("exchange: no execution report within wait window")

// ErrStreamClosed is returned by Await when the stream has been shut down.
var ErrStreamClosed = errors.New("exchange: fill stream closed")

// FillStream consumes execution reports from the exchange's websocket
// fills channel and routes them to per-order waiters.
type FillStream struct {
	url       string
	apiKey    string
	apiSecret string

	mu           sync.Mutex
	conn         *websocket.Conn
	waiters      map[string]chan fillMessage
	done         chan struct{}
	reconnecting bool

	logger *slog.Logger
}

// NewFillStream creates a fill stream client. Call Connect before Await.
func NewFillStream(wsURL, apiKey, apiSecret string, logger *slog.Logger) *FillStream {
	return &FillStream{
		url:       wsURL,
		apiKey:    apiKey,
		apiSecret: apiSecret,
		waiters:   make(map[string]chan fillMessage),
		done:      make(chan struct{}),
		logger:    logger.With(slog.String("component", "exchange_ws")),
	}
}

// Connect establishes the websocket connection and subscribes to the
// fills channel.
func (s *FillStream) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil {
		return nil
	}

	conn, err := s.dial(ctx)
	if err != nil {
		return fmt.Errorf("exchange: ws connect: %w", err)
	}
	s.conn = conn

	if err := s.subscribeFills(conn); err != nil {
		conn.Close()
		s.conn = nil
		return fmt.Errorf("exchange: subscribe fills: %w", err)
	}

	go s.readLoop(conn)
	go s.pingLoop(conn)

	s.logger.Info("fill stream connected", slog.String("url", s.url))
	return nil
}

func (s *FillStream) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	mac := hmac.New(sha256.New, []byte(s.apiSecret))
	mac.Write([]byte(ts))
	mac.Write([]byte("GET/v1/ws"))
	header.Set(headerAPIKey, s.apiKey)
	header.Set(headerTimestamp, ts)
	header.Set(headerSignature, base64.StdEncoding.EncodeToString(mac.Sum(nil)))

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, header)
	if err != nil {
		return nil, err
	}

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	return conn, nil
}

func (s *FillStream) subscribeFills(conn *websocket.Conn) error {
	cmd := wsCommand{Type: "subscribe", Channel: "fills"}
	payload, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, payload)
}

// Close shuts the stream down and releases all waiters.
func (s *FillStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-s.done:
		return nil
	default:
	}
	close(s.done)

	for id, ch := range s.waiters {
		close(ch)
		delete(s.waiters, id)
	}

	if s.conn != nil {
		err := s.conn.Close()
		s.conn = nil
		return err
	}
	return nil
}

// Await blocks until a terminal execution report for orderID arrives, the
// wait window elapses, or ctx is done. Non-terminal partial fill reports
// are consumed and waiting continues.
func (s *FillStream) Await(ctx context.Context, orderID string, wait time.Duration) (fillMessage, error) {
	ch, err := s.watch(orderID)
	if err != nil {
		return fillMessage{}, err
	}
	defer s.unwatch(orderID)

	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return fillMessage{}, ErrStreamClosed
			}
			if msg.terminal() {
				return msg, nil
			}
			s.logger.Debug("partial fill",
				slog.String("order_id", msg.OrderID),
				slog.String("filled", msg.FilledQuantity.String()))
		case <-timer.C:
			return fillMessage{}, ErrAwaitTimeout
		case <-ctx.Done():
			return fillMessage{}, ctx.Err()
		}
	}
}

func (s *FillStream) watch(orderID string) (chan fillMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-s.done:
		return nil, ErrStreamClosed
	default:
	}
	if s.conn == nil {
		return nil, ErrStreamClosed
	}

	ch := make(chan fillMessage, 8)
	s.waiters[orderID] = ch
	return ch, nil
}

func (s *FillStream) unwatch(orderID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.waiters, orderID)
}

func (s *FillStream) readLoop(conn *websocket.Conn) {
	defer conn.Close()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				s.logger.Warn("fill stream read error", slog.String("error", err.Error()))
				s.scheduleReconnect()
				return
			}
		}
		s.handleMessage(message)
	}
}

func (s *FillStream) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *FillStream) handleMessage(raw []byte) {
	var msg fillMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		s.logger.Debug("unparseable stream message", slog.String("error", err.Error()))
		return
	}
	if msg.Type != "fill" || msg.OrderID == "" {
		return
	}

	s.mu.Lock()
	ch, ok := s.waiters[msg.OrderID]
	s.mu.Unlock()
	if !ok {
		return
	}

	select {
	case ch <- msg:
	default:
		s.logger.Warn("fill waiter backlogged, dropping report",
			slog.String("order_id", msg.OrderID))
	}
}

func (s *FillStream) scheduleReconnect() {
	s.mu.Lock()
	if s.reconnecting {
		s.mu.Unlock()
		return
	}
	s.reconnecting = true
	s.conn = nil
	s.mu.Unlock()

	go s.reconnect()
}

func (s *FillStream) reconnect() {
	delay := reconnectDelay

	for {
		select {
		case <-s.done:
			return
		case <-time.After(delay):
		}

		ctx, cancel := context.WithTimeout(context.Background(), writeWait)
		conn, err := s.dial(ctx)
		cancel()
		if err != nil {
			s.logger.Warn("fill stream reconnect failed",
				slog.String("error", err.Error()),
				slog.Duration("retry_in", delay))
			delay *= 2
			if delay > maxReconnectDelay {
				delay = maxReconnectDelay
			}
			continue
		}

		if err := s.subscribeFills(conn); err != nil {
			conn.Close()
			s.logger.Warn("fill stream resubscribe failed", slog.String("error", err.Error()))
			continue
		}

		s.mu.Lock()
		s.conn = conn
		s.reconnecting = false
		s.mu.Unlock()

		go s.readLoop(conn)
		go s.pingLoop(conn)

		s.logger.Info("fill stream reconnected")
		return
	}
}
