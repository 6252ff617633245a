package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"MarketPull/internal/domain/models"
	"MarketPull/pkg/clock"
	"MarketPull/pkg/logger"
)

// fakeWSConn scripts a websocket connection. A conn built by
// newFakeWSConn serves its frames and then reports a reset, like an
// upstream hangup.
type fakeWSConn struct {
	frames chan []byte
	closed chan struct{}

	mu     sync.Mutex
	writes []string
	pings  int
	once   sync.Once
}

func newFakeWSConn(frames ...string) *fakeWSConn {
	ch := make(chan []byte, len(frames))
	for _, f := range frames {
		ch <- []byte(f)
	}
	close(ch)
	return &fakeWSConn{frames: ch, closed: make(chan struct{})}
}

// newHangingWSConn blocks in ReadMessage until the conn is closed.
func newHangingWSConn() *fakeWSConn {
	return &fakeWSConn{frames: make(chan []byte), closed: make(chan struct{})}
}

func (c *fakeWSConn) WriteJSON(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.writes = append(c.writes, string(b))
	c.mu.Unlock()
	return nil
}

func (c *fakeWSConn) WriteMessage(messageType int, _ []byte) error {
	if messageType == websocket.PingMessage {
		c.mu.Lock()
		c.pings++
		c.mu.Unlock()
	}
	return nil
}

func (c *fakeWSConn) ReadMessage() (int, []byte, error) {
	select {
	case f, ok := <-c.frames:
		if !ok {
			return 0, nil, errors.New("connection reset by peer")
		}
		return websocket.TextMessage, f, nil
	case <-c.closed:
		return 0, nil, errors.New("use of closed connection")
	}
}

func (c *fakeWSConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeWSConn) writeLog() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.writes...)
}

func (c *fakeWSConn) pingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pings
}

func newTestStream(t *testing.T, cfg StreamConfig, conn *fakeWSConn) (*Stream, *clock.Fake, *metricsRecorder, *string) {
	t.Helper()
	fake := clock.NewFake(time.Date(2025, 6, 2, 14, 30, 0, 0, time.UTC))
	rec := newMetricsRecorder()
	s := NewStream(cfg, newTestVault(t, fake), newOpenLimiter(fake, "finnhub"), fake, logger.Nop(), rec)
	dialed := new(string)
	s.dial = func(_ context.Context, u string) (wsConn, error) {
		*dialed = u
		return conn, nil
	}
	return s, fake, rec, dialed
}

func TestStreamSubscribesAndPumpsTrades(t *testing.T) {
	conn := newFakeWSConn(
		`{"type": "ping"}`,
		`{"type": "trade", "data": [{"s": "AAPL", "p": 187.23, "v": 50, "t": 1748869200123}]}`,
		`{broken json`,
		`{"type": "trade", "data": [{"s": "", "p": 1, "v": 1, "t": 123}, {"s": "MSFT", "p": 415.2, "v": 10, "t": 1748869201000}]}`,
	)
	s, _, rec, dialed := newTestStream(t, StreamConfig{URL: "wss://stream.test/ws", Symbols: []string{"AAPL", "MSFT"}}, conn)
	sink := &sinkStub{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	err := s.Run(ctx, sink)
	require.Error(t, err, "a drained script reads like a dropped connection")
	require.Contains(t, err.Error(), "finnhub read")

	require.Equal(t, "wss://stream.test/ws?token=tok-123", *dialed)
	require.Equal(t, []string{
		`{"symbol":"AAPL","type":"subscribe"}`,
		`{"symbol":"MSFT","type":"subscribe"}`,
	}, conn.writeLog())

	bars := sink.allBars()
	require.Len(t, bars, 2, "the good trade in a partly bad frame still flows")
	require.Equal(t, "AAPL", bars[0].Symbol)
	require.Equal(t, "MSFT", bars[1].Symbol)
	require.Equal(t, models.IntervalTick, bars[0].Interval)
	require.Equal(t, time.UnixMilli(1748869200123).UTC(), bars[0].OpenTime)

	require.Equal(t, 1, rec.dropCount("finnhub", "frame"), "unparseable frame")
	require.Equal(t, 1, rec.dropCount("finnhub", "s"), "trade without a symbol")
}

func TestStreamDialFailureSurfaces(t *testing.T) {
	s, _, _, _ := newTestStream(t, StreamConfig{URL: "wss://stream.test/ws", Symbols: []string{"AAPL"}}, nil)
	s.dial = func(context.Context, string) (wsConn, error) {
		return nil, errors.New("dial tcp: connection refused")
	}

	err := s.Run(context.Background(), &sinkStub{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "finnhub connect")
}

func TestStreamCancelUnblocksRead(t *testing.T) {
	conn := newHangingWSConn()
	s, fake, _, _ := newTestStream(t, StreamConfig{URL: "wss://stream.test/ws", Symbols: []string{"AAPL"}, PingInterval: 30 * time.Second}, conn)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx, &sinkStub{}) }()

	// The ping ticker arms once the connection is up.
	fake.BlockUntil(1)
	fake.Advance(30 * time.Second)
	require.Eventually(t, func() bool { return conn.pingCount() == 1 }, 2*time.Second, 2*time.Millisecond,
		"the keepalive ping rides the shared clock")

	cancel()
	select {
	case err := <-errCh:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
