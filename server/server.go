// Package server exposes the chat engine over a websocket (/ws), a JSON
// health endpoint (/health) and, optionally, the standard gRPC health
// service for orchestrators.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/jmsegret/vampire-chat/core"
	"github.com/jmsegret/vampire-chat/engine"
	"github.com/jmsegret/vampire-chat/memory"
)

// ServiceName is the service reported by the gRPC health server.
const ServiceName = "vampire-chat"

// Config configures the server.
type Config struct {
	// Engine runs chat turns. Required.
	Engine *engine.Engine

	// GRPCAddr enables the gRPC health service when set (e.g. ":9090").
	GRPCAddr string

	// CheckOrigin overrides the websocket origin check. Default: allow all.
	CheckOrigin func(r *http.Request) bool
}

// Server handles websocket chat clients.
type Server struct {
	engine   *engine.Engine
	memory   *memory.Coordinator
	upgrader websocket.Upgrader
	health   *health.Server
	grpcAddr string
}

// New creates a new server.
func New(cfg Config) (*Server, error) {
	if cfg.Engine == nil {
		return nil, fmt.Errorf("engine is required")
	}

	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(r *http.Request) bool { return true }
	}

	hs := health.NewServer()
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)

	return &Server{
		engine: cfg.Engine,
		memory: cfg.Engine.Memory(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
		health:   hs,
		grpcAddr: cfg.GRPCAddr,
	}, nil
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	return loggingMiddleware(mux)
}

// Run serves HTTP on addr (and gRPC health on Config.GRPCAddr) until the
// process exits.
func (s *Server) Run(addr string) error {
	return s.RunContext(context.Background(), addr)
}

// RunContext serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) RunContext(ctx context.Context, addr string) error {
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
	}

	var grpcServer *grpc.Server
	if s.grpcAddr != "" {
		lis, err := net.Listen("tcp", s.grpcAddr)
		if err != nil {
			return fmt.Errorf("listen %s: %w", s.grpcAddr, err)
		}
		grpcServer = grpc.NewServer()
		s.RegisterHealth(grpcServer)
		go func() {
			log.Printf("[SERVER] gRPC health listening on %s", s.grpcAddr)
			if err := grpcServer.Serve(lis); err != nil {
				log.Printf("[SERVER] gRPC server stopped: %v", err)
			}
		}()
	}

	go func() {
		<-ctx.Done()
		s.health.Shutdown()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
		if grpcServer != nil {
			grpcServer.GracefulStop()
		}
	}()

	log.Printf("[SERVER] Listening on %s", addr)
	err := httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// RegisterHealth adds the gRPC health service to gs.
func (s *Server) RegisterHealth(gs *grpc.Server) {
	healthpb.RegisterHealthServer(gs, s.health)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":           "ok",
		"messages_indexed": s.memory.IndexedCount(),
		"pending":          len(s.memory.PendingReconciliation()),
	})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[SERVER] Upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	// Conversations start lazily on the first message.
	sess := s.memory.NewSession()
	log.Printf("[SERVER] Client connected from %s", r.RemoteAddr)

	for {
		var msg ClientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("[SERVER] Read error: %v", err)
			}
			return
		}

		var reply *ServerMessage
		reply, sess = s.dispatch(r.Context(), sess, &msg)
		if err := conn.WriteJSON(reply); err != nil {
			log.Printf("[SERVER] Write error: %v", err)
			return
		}
	}
}

// dispatch handles one client frame and returns the reply plus the session
// to use for the next frame.
func (s *Server) dispatch(ctx context.Context, sess *memory.Session, msg *ClientMessage) (*ServerMessage, *memory.Session) {
	switch msg.Type {
	case TypeNewConversation:
		if err := s.memory.Reset(ctx, sess); err != nil {
			return errorReply(err), sess
		}
		return &ServerMessage{Type: TypeConversation, ConversationID: sess.ConversationID()}, sess

	case TypeMessage, TypeAudio:
		input := &engine.Input{Session: sess, UserMessage: msg.Content}
		if msg.Type == TypeAudio {
			if msg.Audio == nil {
				return errorReply(fmt.Errorf("audio frame without audio")), sess
			}
			input.Audio = msg.Audio
		}
		out, err := s.engine.Run(ctx, input)
		if err != nil {
			return errorReply(err), sess
		}
		return &ServerMessage{
			Type:           TypeReply,
			ConversationID: out.ConversationID,
			Content:        out.Text,
			Transcript:     out.Transcript,
			Ended:          out.Type == engine.OutputEnded,
		}, sess

	case TypeLoadConversation:
		loaded, err := s.memory.LoadConversation(ctx, msg.ConversationID)
		if err != nil {
			return errorReply(err), sess
		}
		history, err := s.memory.History(ctx, loaded, 0)
		if err != nil {
			return errorReply(err), sess
		}
		return &ServerMessage{
			Type:           TypeHistory,
			ConversationID: loaded.ConversationID(),
			Pairs:          engine.ChatPairs(history),
		}, loaded

	case TypeHistory:
		target := sess
		if msg.ConversationID != "" && msg.ConversationID != sess.ConversationID() {
			loaded, err := s.memory.LoadConversation(ctx, msg.ConversationID)
			if err != nil {
				return errorReply(err), sess
			}
			target = loaded
		}
		var history []core.Message
		if target.ConversationID() != "" {
			var err error
			if history, err = s.memory.History(ctx, target, msg.Limit); err != nil {
				return errorReply(err), sess
			}
		}
		return &ServerMessage{
			Type:           TypeHistory,
			ConversationID: target.ConversationID(),
			Pairs:          engine.ChatPairs(history),
		}, sess

	case TypeRecent:
		conversations, err := s.memory.RecentConversations(ctx, msg.Limit)
		if err != nil {
			return errorReply(err), sess
		}
		return &ServerMessage{Type: TypeConversations, Conversations: conversations}, sess
	}

	return errorReply(fmt.Errorf("unknown message type %q", msg.Type)), sess
}

func errorReply(err error) *ServerMessage {
	log.Printf("[SERVER] Error: %v", err)
	return &ServerMessage{Type: TypeError, Content: err.Error()}
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("[SERVER] %s %s %v", r.Method, r.URL.Path, time.Since(start))
	})
}
