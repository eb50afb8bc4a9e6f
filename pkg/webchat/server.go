// Package webchat serves nano-chat over HTTP. Turns are started with a POST and run in
// the background; their chunks reach browsers over a per-conversation websocket.
package webchat

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/nano-chat/pkg/app"
	"github.com/go-go-golems/nano-chat/pkg/chatevents"
	"github.com/go-go-golems/nano-chat/pkg/redisstream"
)

type Options struct {
	Addr string
	// StreamIdleTimeout is how long a conversation's event stream outlives its last client.
	StreamIdleTimeout time.Duration
	ShutdownTimeout   time.Duration
}

// Server drives the HTTP server, the stream hub and the background turns.
type Server struct {
	baseCtx   context.Context
	app       *app.Application
	transport *redisstream.Transport
	publisher *chatevents.Publisher
	hub       *StreamHub
	upgrader  websocket.Upgrader
	httpSrv   *http.Server
	opts      Options

	turns     context.Context
	stopTurns context.CancelFunc
	running   errgroup.Group
}

func NewServer(ctx context.Context, a *app.Application, transport *redisstream.Transport, opts Options) (*Server, error) {
	if ctx == nil {
		return nil, errors.New("ctx is nil")
	}
	if a == nil {
		return nil, errors.New("application is nil")
	}
	if transport == nil {
		return nil, errors.New("transport is nil")
	}
	if opts.Addr == "" {
		opts.Addr = ":8080"
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 30 * time.Second
	}
	hub, err := NewStreamHub(StreamHubConfig{BaseCtx: ctx, Transport: transport, IdleTimeout: opts.StreamIdleTimeout})
	if err != nil {
		return nil, err
	}
	turns, stop := context.WithCancel(context.WithoutCancel(ctx))
	s := &Server{
		baseCtx:   ctx,
		app:       a,
		transport: transport,
		publisher: chatevents.NewPublisher(transport.Publisher),
		hub:       hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		opts:      opts,
		turns:     turns,
		stopTurns: stop,
	}
	s.httpSrv = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

func (s *Server) StreamHub() *StreamHub { return s.hub }

func (s *Server) HTTPServer() *http.Server { return s.httpSrv }

// Handler returns the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/chat", s.handleChat)
	mux.HandleFunc("POST /api/abort", s.handleAbort)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/models", s.handleModels)
	mux.HandleFunc("GET /api/conversations", s.handleListConversations)
	mux.HandleFunc("POST /api/conversations", s.handleNewConversation)
	mux.HandleFunc("GET /api/conversations/{id}", s.handleGetConversation)
	mux.HandleFunc("PATCH /api/conversations/{id}", s.handleRenameConversation)
	mux.HandleFunc("DELETE /api/conversations/{id}", s.handleDeleteConversation)
	mux.HandleFunc("POST /api/conversations/{id}/messages/{index}/edit", s.handleEdit)
	mux.HandleFunc("POST /api/conversations/{id}/regenerate", s.handleRegenerate)
	mux.HandleFunc("GET /api/conversations/{id}/usage", s.handleUsage)
	mux.HandleFunc("GET /ws", s.handleWS)
	return mux
}

// Run serves until ctx is done, then stops accepting requests, cancels the running turns
// and waits for them.
func (s *Server) Run(ctx context.Context) error {
	if ctx == nil {
		return errors.New("ctx is nil")
	}
	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		log.Info().Str("component", "webchat").Str("addr", s.httpSrv.Addr).Msg("starting nano-chat server")
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("component", "webchat").Msg("server listen error")
			return err
		}
		return nil
	})

	eg.Go(func() error {
		<-egCtx.Done()
		log.Info().Str("component", "webchat").Msg("shutting down gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.ShutdownTimeout)
		defer cancel()
		err := s.httpSrv.Shutdown(shutdownCtx)
		if err != nil {
			log.Error().Err(err).Str("component", "webchat").Msg("server shutdown error")
		}
		s.Close()
		log.Info().Str("component", "webchat").Msg("server shutdown complete")
		return err
	})

	return eg.Wait()
}

// Close cancels every background turn, waits for them and disconnects every client.
func (s *Server) Close() {
	s.stopTurns()
	_ = s.running.Wait()
	s.hub.Close()
}

// startTurn runs fn in the background under the server's turn context.
func (s *Server) startTurn(fn func(ctx context.Context)) {
	s.running.Go(func() error {
		fn(s.turns)
		return nil
	})
}
