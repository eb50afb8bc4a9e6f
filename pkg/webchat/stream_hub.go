package webchat

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/nano-chat/pkg/chatevents"
	"github.com/go-go-golems/nano-chat/pkg/redisstream"
)

type StreamHubConfig struct {
	BaseCtx   context.Context
	Transport *redisstream.Transport
	// IdleTimeout is how long a conversation stream outlives its last websocket client.
	IdleTimeout time.Duration
}

// conversationStream fans one conversation topic out to its websocket clients.
type conversationStream struct {
	convID   string
	pool     *ConnectionPool
	consumer *chatevents.Consumer
}

// StreamHub attaches websocket clients to conversation topics. The first client of a
// conversation starts a consumer on its topic; the consumer is released once the
// conversation has had no clients for IdleTimeout.
type StreamHub struct {
	baseCtx     context.Context
	transport   *redisstream.Transport
	idleTimeout time.Duration

	mu      sync.Mutex
	streams map[string]*conversationStream
}

func NewStreamHub(cfg StreamHubConfig) (*StreamHub, error) {
	if cfg.BaseCtx == nil {
		return nil, errors.New("stream hub base context is nil")
	}
	if cfg.Transport == nil {
		return nil, errors.New("stream hub transport is nil")
	}
	idle := cfg.IdleTimeout
	if idle <= 0 {
		idle = time.Minute
	}
	return &StreamHub{
		baseCtx:     cfg.BaseCtx,
		transport:   cfg.Transport,
		idleTimeout: idle,
		streams:     map[string]*conversationStream{},
	}, nil
}

// Frame is a server-to-client websocket message.
type Frame struct {
	Type       string            `json:"type"`
	ConvID     string            `json:"conv_id"`
	ServerTime int64             `json:"server_time,omitempty"`
	Event      *chatevents.Event `json:"event,omitempty"`
}

func encodeFrame(f Frame) []byte {
	b, err := json.Marshal(f)
	if err != nil {
		log.Error().Err(err).Str("component", "webchat").Msg("failed to encode ws frame")
		return nil
	}
	return b
}

// ensureStream returns the conversation's stream, starting it if needed. A non-nil conn
// joins the pool before h.mu is released, so an idle release cannot slip in between.
func (h *StreamHub) ensureStream(ctx context.Context, convID string, conn wsConn) (*conversationStream, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s, ok := h.streams[convID]; ok {
		s.pool.Add(conn)
		return s, nil
	}
	if err := h.transport.EnsureTopic(ctx, chatevents.TopicForConversation(convID)); err != nil {
		return nil, errors.Wrapf(err, "prepare topic for conversation %s", convID)
	}
	s := &conversationStream{convID: convID}
	s.pool = NewConnectionPool(convID, h.idleTimeout, func() { h.release(s) })
	s.consumer = chatevents.NewConsumer(convID, h.transport.Subscriber, func(ev chatevents.Event) {
		s.pool.Broadcast(encodeFrame(Frame{Type: "event", ConvID: convID, Event: &ev}))
	})
	if err := s.consumer.Start(h.baseCtx); err != nil {
		return nil, err
	}
	h.streams[convID] = s
	if conn != nil {
		s.pool.Add(conn)
	} else {
		s.pool.ArmIdle()
	}
	log.Debug().Str("component", "webchat").Str("conv_id", convID).Msg("conversation stream started")
	return s, nil
}

func (h *StreamHub) release(s *conversationStream) {
	h.mu.Lock()
	if cur, ok := h.streams[s.convID]; !ok || cur != s || !s.pool.IsEmpty() {
		h.mu.Unlock()
		return
	}
	delete(h.streams, s.convID)
	h.mu.Unlock()
	s.consumer.Stop()
	log.Debug().Str("component", "webchat").Str("conv_id", s.convID).Msg("released idle conversation stream")
}

// Prepare makes sure the conversation's topic is being consumed, so a turn started right
// after a client connects is not missed.
func (h *StreamHub) Prepare(ctx context.Context, convID string) error {
	_, err := h.ensureStream(ctx, convID, nil)
	return err
}

// Clients counts the websocket clients attached to a conversation.
func (h *StreamHub) Clients(convID string) int {
	h.mu.Lock()
	s, ok := h.streams[convID]
	h.mu.Unlock()
	if !ok {
		return 0
	}
	return s.pool.Count()
}

// AttachWebSocket registers conn for the conversation's events, sends a hello frame and
// answers pings until the client goes away.
func (h *StreamHub) AttachWebSocket(ctx context.Context, convID string, conn *websocket.Conn) error {
	convID = strings.TrimSpace(convID)
	if convID == "" {
		return errors.New("missing convID")
	}
	if conn == nil {
		return errors.New("websocket connection is nil")
	}
	s, err := h.ensureStream(ctx, convID, conn)
	if err != nil {
		return err
	}
	wsLog := log.With().
		Str("component", "webchat").
		Str("remote", conn.RemoteAddr().String()).
		Str("conv_id", convID).
		Logger()
	wsLog.Info().Msg("ws connected")

	s.pool.SendToOne(conn, encodeFrame(Frame{Type: "hello", ConvID: convID, ServerTime: time.Now().UnixMilli()}))

	go func() {
		defer s.pool.Remove(conn)
		defer wsLog.Info().Msg("ws disconnected")
		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				wsLog.Debug().Err(err).Msg("ws read loop end")
				return
			}
			if msgType == websocket.TextMessage && isPing(data) {
				s.pool.SendToOne(conn, encodeFrame(Frame{Type: "pong", ConvID: convID, ServerTime: time.Now().UnixMilli()}))
			}
		}
	}()
	return nil
}

func isPing(data []byte) bool {
	text := strings.TrimSpace(strings.ToLower(string(data)))
	if text == "ping" {
		return true
	}
	var v struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return false
	}
	return strings.EqualFold(v.Type, "ping")
}

// Close disconnects every client and stops every consumer.
func (h *StreamHub) Close() {
	h.mu.Lock()
	streams := h.streams
	h.streams = map[string]*conversationStream{}
	h.mu.Unlock()
	for _, s := range streams {
		s.pool.CloseAll()
		s.consumer.Stop()
	}
}
