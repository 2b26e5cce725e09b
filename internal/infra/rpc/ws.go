package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsWriteTimeout = 5 * time.Second
	wsPingInterval = 20 * time.Second
)

// HeadNotification is the payload of an eth_subscription message for
// the newHeads subscription.
type HeadNotification struct {
	Number     string `json:"number"`
	Hash       string `json:"hash"`
	ParentHash string `json:"parentHash"`
	Timestamp  string `json:"timestamp"`
}

type wsSubMessage struct {
	ID     uint64          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *rpcError       `json:"error,omitempty"`
	Params *struct {
		Subscription string          `json:"subscription"`
		Result       json.RawMessage `json:"result"`
	} `json:"params,omitempty"`
}

// HeadSubscription is a live newHeads stream over a single websocket
// connection. The Heads channel closes when the connection drops; the
// caller decides when and whether to resubscribe.
type HeadSubscription struct {
	conn  *websocket.Conn
	heads chan HeadNotification

	mu  sync.Mutex
	err error

	cancel context.CancelFunc
}

// SubscribeNewHeads dials the websocket endpoint and issues an
// eth_subscribe newHeads request. It returns once the subscription is
// acknowledged or fails.
func SubscribeNewHeads(ctx context.Context, wsURL string) (*HeadSubscription, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, Classify(fmt.Errorf("dial %s: %w", wsURL, err))
	}

	req := struct {
		JSONRPC string `json:"jsonrpc"`
		ID      uint64 `json:"id"`
		Method  string `json:"method"`
		Params  []any  `json:"params"`
	}{
		JSONRPC: "2.0",
		ID:      1,
		Method:  "eth_subscribe",
		Params:  []any{"newHeads"},
	}
	if err := conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
		conn.Close()
		return nil, Classify(fmt.Errorf("set write deadline: %w", err))
	}
	if err := conn.WriteJSON(req); err != nil {
		conn.Close()
		return nil, Classify(fmt.Errorf("subscribe request: %w", err))
	}

	var ack wsSubMessage
	if err := conn.ReadJSON(&ack); err != nil {
		conn.Close()
		return nil, Classify(fmt.Errorf("subscribe ack: %w", err))
	}
	if ack.Error != nil {
		conn.Close()
		return nil, Classify(fmt.Errorf("subscribe rejected: %s (code %d)", ack.Error.Message, ack.Error.Code))
	}

	loopCtx, cancel := context.WithCancel(ctx)
	sub := &HeadSubscription{
		conn:   conn,
		heads:  make(chan HeadNotification, 64),
		cancel: cancel,
	}
	go sub.pingLoop(loopCtx)
	go sub.readLoop(loopCtx)
	return sub, nil
}

// Heads returns the stream of new head notifications. The channel is
// closed when the connection is lost or Close is called.
func (s *HeadSubscription) Heads() <-chan HeadNotification { return s.heads }

// Err reports why the stream ended. It is meaningful only after Heads
// is closed.
func (s *HeadSubscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close tears down the connection and stops the read loop.
func (s *HeadSubscription) Close() {
	s.cancel()
	s.conn.Close()
}

func (s *HeadSubscription) setErr(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}

func (s *HeadSubscription) readLoop(ctx context.Context) {
	defer close(s.heads)
	defer s.conn.Close()

	for {
		var msg wsSubMessage
		if err := s.conn.ReadJSON(&msg); err != nil {
			if ctx.Err() == nil {
				s.setErr(Classify(err))
			}
			return
		}
		if msg.Method != "eth_subscription" || msg.Params == nil {
			continue
		}

		var head HeadNotification
		if err := json.Unmarshal(msg.Params.Result, &head); err != nil {
			s.setErr(Classify(fmt.Errorf("decode head: %w", err)))
			return
		}

		select {
		case s.heads <- head:
		case <-ctx.Done():
			return
		}
	}
}

func (s *HeadSubscription) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deadline := time.Now().Add(wsWriteTimeout)
			if err := s.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				s.conn.Close()
				return
			}
		}
	}
}
