package api

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"MarketPull/internal/domain/models"
	"MarketPull/internal/service/hub"
	"MarketPull/pkg/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// controlMessage is a client-to-server frame.
type controlMessage struct {
	Action   string `json:"action"`
	DataType string `json:"data_type,omitempty"`
	Symbol   string `json:"symbol,omitempty"`
}

// streamReply is a server-to-client protocol frame. Data records go
// out separately as canonical envelopes.
type streamReply struct {
	Type     string `json:"type"`
	DataType string `json:"data_type,omitempty"`
	Symbol   string `json:"symbol,omitempty"`
	Message  string `json:"message,omitempty"`
}

// Stream upgrades to a websocket and relays live records. A fresh
// connection receives nothing until the client subscribes to at least
// one data type.
func (h *Handler) Stream(c echo.Context) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	var opts []hub.Option
	if h.streamBuffer > 0 {
		opts = append(opts, hub.WithBuffer(h.streamBuffer))
	}
	sub := h.hub.Subscribe(opts...)
	defer h.hub.Unsubscribe(sub)
	defer conn.Close()

	s := &streamSession{
		conn:       conn,
		sub:        sub,
		lgr:        h.lgr,
		types:      make(map[models.StreamType]bool),
		replies:    make(chan streamReply, 8),
		readerDone: make(chan struct{}),
		writerDone: make(chan struct{}),
	}
	h.lgr.Debug("stream client connected", logger.Uint64("subscriber", sub.ID()))

	go s.readLoop()
	s.writeLoop()

	h.lgr.Debug("stream client disconnected",
		logger.Uint64("subscriber", sub.ID()),
		logger.Uint64("dropped", sub.Dropped()))
	return nil
}

// streamSession pairs one websocket connection with one hub
// subscription. The subscription carries every record type; the
// session filters against its own mutable set so subscribe and
// unsubscribe never touch the hub.
type streamSession struct {
	conn *websocket.Conn
	sub  *hub.Subscriber
	lgr  *logger.Logger

	mu    sync.Mutex
	types map[models.StreamType]bool

	replies    chan streamReply
	readerDone chan struct{}
	writerDone chan struct{}
}

// writeLoop is the only goroutine allowed to write to the connection.
func (s *streamSession) writeLoop() {
	defer close(s.writerDone)
	for {
		select {
		case env, ok := <-s.sub.C():
			if !ok {
				// Hub closed: the engine is shutting down.
				s.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
				return
			}
			if !s.wants(env.Type) {
				continue
			}
			payload, err := models.EncodeEnvelope(env)
			if err != nil {
				s.lgr.Warn("stream encode failed", logger.Error(err))
				continue
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case r := <-s.replies:
			if err := s.conn.WriteJSON(r); err != nil {
				return
			}
		case <-s.readerDone:
			return
		}
	}
}

func (s *streamSession) readLoop() {
	defer close(s.readerDone)
	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		s.handleControl(raw)
	}
}

func (s *streamSession) handleControl(raw []byte) {
	var msg controlMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		s.reply(streamReply{Type: "error", Message: "Invalid JSON format"})
		return
	}

	switch msg.Action {
	case "subscribe":
		t := models.StreamType(msg.DataType)
		if !t.Valid() {
			s.reply(streamReply{Type: "error", Message: "Unknown data type: " + msg.DataType})
			return
		}
		s.mu.Lock()
		s.types[t] = true
		s.mu.Unlock()
		s.reply(streamReply{Type: "subscription_confirmed", DataType: msg.DataType, Symbol: msg.Symbol})
	case "unsubscribe":
		t := models.StreamType(msg.DataType)
		if !t.Valid() {
			s.reply(streamReply{Type: "error", Message: "Unknown data type: " + msg.DataType})
			return
		}
		s.mu.Lock()
		delete(s.types, t)
		s.mu.Unlock()
		s.reply(streamReply{Type: "unsubscription_confirmed", DataType: msg.DataType, Symbol: msg.Symbol})
	case "ping":
		s.reply(streamReply{Type: "pong"})
	default:
		s.reply(streamReply{Type: "error", Message: "Unknown action: " + msg.Action})
	}
}

// reply hands a frame to the writer. It must not block forever once
// the writer is gone, or a dead connection would wedge the reader.
func (s *streamSession) reply(r streamReply) {
	select {
	case s.replies <- r:
	case <-s.writerDone:
	}
}

func (s *streamSession) wants(t models.StreamType) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.types[t]
}
