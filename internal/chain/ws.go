package chain

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// Stream is a reconnecting JSON-RPC websocket. Subscriptions are replayed
// after every reconnect.
type Stream struct {
	url            string
	reconnectDelay time.Duration
	pingInterval   time.Duration
	log            *zap.Logger

	mu   sync.Mutex
	conn *websocket.Conn
	subs []rpcMessage
}

type rpcMessage struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params,omitempty"`
}

func NewStream(url string, reconnectDelay, pingInterval time.Duration, log *zap.Logger) *Stream {
	if log == nil {
		log = zap.NewNop()
	}
	return &Stream{url: url, reconnectDelay: reconnectDelay, pingInterval: pingInterval, log: log}
}

func (s *Stream) connect(ctx context.Context) (*websocket.Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return s.conn, nil
	}
	conn, _, err := websocket.Dial(ctx, s.url, nil)
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(1 << 20)
	s.conn = conn
	return conn, nil
}

// Subscribe registers a subscription method sent on every (re)connect.
func (s *Stream) Subscribe(method string, params ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = append(s.subs, rpcMessage{JSONRPC: "2.0", ID: uint64(len(s.subs) + 1), Method: method, Params: params})
}

// Run reads until ctx is done, reconnecting after read errors.
func (s *Stream) Run(ctx context.Context, handler func(json.RawMessage)) error {
	for {
		conn, err := s.connect(ctx)
		if err == nil {
			err = s.resubscribe(ctx, conn)
		}
		if err == nil {
			pingCtx, cancel := context.WithCancel(ctx)
			pingDone := make(chan struct{})
			go func() {
				defer close(pingDone)
				s.pingLoop(pingCtx, conn)
			}()
			err = readLoop(ctx, conn, handler)
			cancel()
			<-pingDone
		}
		if ctx.Err() != nil {
			s.reset()
			return ctx.Err()
		}
		s.logReadLoopError(err)
		s.reset()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.reconnectDelay):
		}
	}
}

func (s *Stream) resubscribe(ctx context.Context, conn *websocket.Conn) error {
	s.mu.Lock()
	subs := append([]rpcMessage(nil), s.subs...)
	s.mu.Unlock()
	for _, sub := range subs {
		data, err := json.Marshal(sub)
		if err != nil {
			return err
		}
		if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
			return err
		}
	}
	return nil
}

func readLoop(ctx context.Context, conn *websocket.Conn, handler func(json.RawMessage)) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		if handler != nil {
			handler(json.RawMessage(data))
		}
	}
}

func (s *Stream) pingLoop(ctx context.Context, conn *websocket.Conn) {
	if s.pingInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, s.pingInterval)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (s *Stream) logReadLoopError(err error) {
	if err == nil {
		return
	}
	if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
		var closeErr websocket.CloseError
		if errors.As(err, &closeErr) {
			s.log.Info("ws read loop ended", zap.Int("status", int(closeErr.Code)), zap.String("reason", closeErr.Reason))
			return
		}
	}
	s.log.Warn("ws read loop ended", zap.Error(err))
}

func (s *Stream) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		_ = s.conn.Close(websocket.StatusNormalClosure, "reset")
		s.conn = nil
	}
}
