// Package server exposes the HTTP surface: the two payment-gateway
// webhook receivers and the subscription retrieval endpoint VPN client
// apps poll for their live connection string.
package server

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"polarvpn-bot/internal/models"
	"polarvpn-bot/internal/payment"
)

// CredentialSource is the read-only ledger slice the subscription
// endpoint needs.
type CredentialSource interface {
	CredentialBySubToken(token string) (*models.Credential, error)
}

type Server struct {
	httpServer *http.Server
	log        *slog.Logger
}

func New(addr string, creds CredentialSource, hooks *payment.WebhookHandler, logger *slog.Logger) *Server {
	s := &Server{log: logger}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Post("/webhook/yookassa", hooks.HandleYooKassa)
	r.Post("/webhook/cryptopay", hooks.HandleCryptoPay)
	r.Get("/sub/{token}", s.handleSubscription(creds))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// handleSubscription serves the connection string for a live token,
// base64-encoded as the whole body. Unknown and expired tokens answer
// 200 with an empty body, never 404: downstream VPN clients treat any
// non-2xx as a hard failure.
func (s *Server) handleSubscription(creds CredentialSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")

		token := chi.URLParam(r, "token")
		cred, err := creds.CredentialBySubToken(token)
		if err != nil || cred.ExpiresAt.Before(time.Now()) {
			w.WriteHeader(http.StatusOK)
			return
		}

		w.WriteHeader(http.StatusOK)
		w.Write([]byte(base64.StdEncoding.EncodeToString([]byte(cred.ConnectionURI))))
	}
}

func (s *Server) Start() error {
	s.log.Info("http server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}
