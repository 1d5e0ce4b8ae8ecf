package session

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/helixtrade/helix/config"
	"github.com/helixtrade/helix/errs"
	"github.com/helixtrade/helix/internal/observability"
)

// Authenticator resolves a bearer token to a user id. Empty token yields an
// anonymous session restricted to public channels.
type Authenticator func(token string) (string, error)

// Server terminates websocket upgrades and hands connections to the hub.
type Server struct {
	hub  *Hub
	auth Authenticator
	srv  *http.Server
}

// NewServer wires the session server. auth may be nil, which makes every
// session anonymous.
func NewServer(cfg config.SessionSettings, hub *Hub, auth Authenticator) *Server {
	s := &Server{hub: hub, auth: auth}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.serveWS)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	s.srv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// ListenAndServe blocks serving upgrades until Shutdown.
func (s *Server) ListenAndServe() error {
	err := s.srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting connections and closes the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	userID, err := s.identify(r)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		observability.Log().Debug("websocket accept failed", observability.Err(err))
		return
	}

	client := newClient(s.hub, conn, userID)
	client.run(r.Context())
}

func (s *Server) identify(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", nil
	}
	token := strings.TrimPrefix(header, "Bearer ")
	if token == header || token == "" {
		return "", errs.New(Component, errs.CodeInvalid,
			errs.WithMessage("malformed authorization header"))
	}
	if s.auth == nil {
		return "", nil
	}
	return s.auth(token)
}
