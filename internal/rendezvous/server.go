// Package rendezvous hosts the signaling transports for a set of peers: the
// live relay hub on /ws/relay and the durable mailbox on /ws/mailbox.
package rendezvous

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/rs/cors"

	"github.com/petervdpas/goopcall/internal/mailbox"
	"github.com/petervdpas/goopcall/internal/proto"
	"github.com/petervdpas/goopcall/internal/relay"
)

const shutdownTimeout = 5 * time.Second

type Options struct {
	Addr        string
	MailboxDB   string
	MailboxTTL  time.Duration
	AuthSecret  string
	CORSOrigins []string
}

type Server struct {
	addr    string
	secret  []byte
	origins []string

	srv     *http.Server
	hub     *relay.Hub
	store   *mailbox.Store
	mailbox *mailbox.Service
}

func New(opts Options) (*Server, error) {
	store, err := mailbox.Open(opts.MailboxDB)
	if err != nil {
		return nil, err
	}
	if opts.AuthSecret == "" {
		log.Printf("RENDEZVOUS: no auth secret, trusting ?user= on connect")
	}
	return &Server{
		addr:    opts.Addr,
		secret:  []byte(opts.AuthSecret),
		origins: opts.CORSOrigins,
		hub:     relay.NewHub(),
		store:   store,
		mailbox: mailbox.NewService(store, opts.MailboxTTL),
	}, nil
}

// Hub exposes the relay hub for in-process peers.
func (s *Server) Hub() *relay.Hub { return s.hub }

// Mailbox exposes the mailbox store for in-process peers.
func (s *Server) Mailbox() *mailbox.Store { return s.store }

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc(proto.RelayPath, func(w http.ResponseWriter, r *http.Request) {
		userID, err := s.authenticate(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		s.hub.ServeWS(w, r, userID)
	})

	mux.HandleFunc(proto.MailboxPath, func(w http.ResponseWriter, r *http.Request) {
		userID, err := s.authenticate(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		s.mailbox.ServeWS(w, r, userID)
	})

	mux.HandleFunc("/api/online", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		id := r.URL.Query().Get("user")
		if id == "" {
			http.Error(w, "missing user", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"user_id": id,
			"online":  s.hub.Online(id),
		})
	})

	if len(s.origins) == 0 {
		return mux
	}
	return cors.New(cors.Options{
		AllowedOrigins: s.origins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	}).Handler(mux)
}

// Start listens and serves until ctx ends. The mailbox purge loop runs for
// the same lifetime.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}
	s.addr = ln.Addr().String()

	s.srv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go s.mailbox.Run(ctx)

	go func() {
		<-ctx.Done()
		shctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = s.srv.Shutdown(shctx)
		s.hub.Close()
		_ = s.store.Close()
	}()

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("RENDEZVOUS: server error: %v", err)
		}
	}()

	log.Printf("RENDEZVOUS: listening on %s", s.URL())
	return nil
}

func (s *Server) URL() string {
	return "http://" + s.addr
}

// Online reports whether userID holds a live relay connection.
func (s *Server) Online(userID string) bool {
	return s.hub.Online(userID)
}
