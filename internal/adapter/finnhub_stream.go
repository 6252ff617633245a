package adapter

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"MarketPull/internal/domain/repository"
	"MarketPull/internal/normalize"
	"MarketPull/internal/service/ratelimit"
	"MarketPull/internal/service/vault"
	"MarketPull/pkg/clock"
	"MarketPull/pkg/logger"
)

const defaultPingInterval = 30 * time.Second

// StreamConfig wires the finnhub trade websocket.
type StreamConfig struct {
	URL          string
	Symbols      []string
	PingInterval time.Duration
}

// Stream holds one finnhub websocket connection per Run: dial with the
// vaulted token, subscribe every symbol, then pump trade frames into
// the sink until the connection drops. Reconnecting is the runtime's
// job, one rate-limit token per attempt.
type Stream struct {
	cfg     StreamConfig
	vault   *vault.Vault
	limiter *ratelimit.Limiter
	clk     clock.Clock
	lgr     *logger.Logger
	metrics repository.Metrics

	// dial is swapped out in tests.
	dial func(ctx context.Context, url string) (wsConn, error)
}

// wsConn is the slice of *websocket.Conn the stream touches.
type wsConn interface {
	WriteJSON(v any) error
	WriteMessage(messageType int, data []byte) error
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
}

func NewStream(cfg StreamConfig, v *vault.Vault, l *ratelimit.Limiter, clk clock.Clock, lgr *logger.Logger, metrics repository.Metrics) *Stream {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	return &Stream{
		cfg:     cfg,
		vault:   v,
		limiter: l,
		clk:     clk,
		lgr:     lgr,
		metrics: metrics,
		dial:    dialWS,
	}
}

func (s *Stream) Name() string            { return "finnhub" }
func (s *Stream) Kind() Kind              { return KindStream }
func (s *Stream) Provider() string        { return "finnhub" }
func (s *Stream) Interval() time.Duration { return 0 }

func (s *Stream) Run(ctx context.Context, sink Sink) error {
	if err := s.limiter.AcquireBlocking(ctx, s.Provider()); err != nil {
		return err
	}

	var conn wsConn
	err := s.vault.WithSecret(s.Provider(), func(secret []byte) error {
		var derr error
		conn, derr = s.dial(ctx, s.cfg.URL+"?token="+url.QueryEscape(string(secret)))
		return derr
	})
	if err != nil {
		return fmt.Errorf("finnhub connect: %w", err)
	}
	defer conn.Close()

	for _, symbol := range s.cfg.Symbols {
		if err := conn.WriteJSON(map[string]string{"type": "subscribe", "symbol": symbol}); err != nil {
			return fmt.Errorf("subscribe %s: %w", symbol, err)
		}
	}
	s.lgr.Info("finnhub stream connected", logger.Int("symbols", len(s.cfg.Symbols)))

	// ReadMessage has no ctx; closing the conn is how we unblock it.
	watch := make(chan struct{})
	defer close(watch)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-watch:
		}
	}()
	go s.pingLoop(ctx, conn)

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("finnhub read: %w", err)
		}

		bars, dropped, err := normalize.FinnhubTrades(frame)
		if err != nil {
			s.metrics.RecordDropped(s.Name(), "frame")
			s.lgr.Warn("trade frame rejected", logger.Error(err))
			continue
		}
		for _, d := range dropped {
			s.metrics.RecordDropped(s.Name(), d.Field)
			s.lgr.Warn("trade dropped",
				logger.String("field", d.Field),
				logger.String("reason", d.Reason))
		}
		if len(bars) == 0 {
			continue
		}
		if err := sink.Bars(ctx, s.Name(), bars); err != nil {
			return fmt.Errorf("deliver trades: %w", err)
		}
	}
}

// pingLoop keeps the upstream from idling us out. Write errors are
// left for the read loop to surface.
func (s *Stream) pingLoop(ctx context.Context, conn wsConn) {
	ticker := s.clk.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func dialWS(ctx context.Context, u string) (wsConn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}
