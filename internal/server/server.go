package server

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/olymprep/authserver/config"
	"github.com/olymprep/authserver/internal/audit"
	"github.com/olymprep/authserver/internal/db"
	"github.com/olymprep/authserver/internal/handlers"
	"github.com/olymprep/authserver/internal/mq"
	"github.com/olymprep/authserver/internal/services"
	"github.com/olymprep/authserver/internal/session"
	"github.com/olymprep/authserver/internal/storage"
	"github.com/olymprep/authserver/internal/store"
	"github.com/olymprep/authserver/internal/token"
)

// Server wraps the HTTP server and router.
type Server struct {
	httpServer *http.Server
	router     *chi.Mux
	db         *sql.DB
	sessions   *session.Store
	queue      *mq.MQ
	archiver   *audit.Archiver
	cancel     context.CancelFunc
}

// New constructs a Server with all dependencies wired. Configuration
// problems (missing secrets, bad TTLs, unreachable backends) fail here,
// before the listener starts.
func New(ctx context.Context, cfg config.Config) (*Server, error) {
	issuer, err := token.New(token.Config{
		AdminSecret:     cfg.Auth.SecurityKey,
		UserSecret:      cfg.Auth.SecurityKeyUser,
		BootstrapSecret: cfg.Auth.AdminToken,
		Algorithm:       cfg.Auth.Algorithm,
		TTL:             cfg.Auth.AccessTokenTTL,
	})
	if err != nil {
		return nil, err
	}

	dbConn, err := db.Open(ctx, cfg)
	if err != nil {
		return nil, err
	}

	userRepo := store.NewUserRepository(dbConn)
	userService := services.NewUserService(userRepo)

	var sessions *session.Store
	if cfg.Redis.Addr != "" {
		backend, err := session.NewRedisBackend(ctx, cfg.Redis)
		if err != nil {
			_ = dbConn.Close()
			return nil, err
		}
		sessions = session.NewStore(backend, cfg.Auth.RedisSessionTTL)
	}

	queue, err := mq.New(ctx, cfg.MQ)
	if err != nil {
		_ = dbConn.Close()
		return nil, err
	}
	recorder := audit.NewRecorder(queue, cfg.MQ.Channel)

	objectStore, err := storage.New(ctx, cfg.Storage)
	if err != nil {
		_ = dbConn.Close()
		return nil, err
	}
	archiver := audit.NewArchiver(queue, objectStore, cfg.MQ.Channel)

	authHandler := handlers.NewAuthHandler(userService, issuer, sessions, recorder)

	router := chi.NewRouter()
	router.Use(
		middleware.RequestID,
		middleware.RealIP,
		middleware.Recoverer,
		middleware.Logger,
		middleware.Timeout(60*time.Second),
	)
	router.Get("/healthz", handlers.Healthz)
	router.Route("/api", func(r chi.Router) {
		r.Route("/user", func(r chi.Router) {
			handlers.UserRouter(r, authHandler)
		})
		r.Route("/auth", func(r chi.Router) {
			handlers.AuthRouter(r, authHandler)
		})
	})

	port := cfg.ServerPort
	if port == 0 {
		port = 8080
	}

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		httpServer: httpServer,
		router:     router,
		db:         dbConn,
		sessions:   sessions,
		queue:      queue,
		archiver:   archiver,
	}, nil
}

// Router exposes the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Start runs the HTTP server. When both a broker and object storage are
// configured, the audit archiver runs alongside it.
func (s *Server) Start() error {
	if s.archiver != nil {
		ctx, cancel := context.WithCancel(context.Background())
		s.cancel = cancel
		go func() {
			if err := s.archiver.Run(ctx); err != nil && ctx.Err() == nil {
				log.Printf("audit archiver stopped: %v", err)
			}
		}()
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown attempts a graceful shutdown.
func (s *Server) Shutdown() error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.sessions != nil {
		_ = s.sessions.Close()
	}
	if s.queue != nil {
		_ = s.queue.Close()
	}
	if s.db != nil {
		_ = s.db.Close()
	}
	return s.httpServer.Close()
}
