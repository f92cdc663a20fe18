package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/juju/clock"

	"github.com/dukerupert/rota/internal/auth"
	"github.com/dukerupert/rota/internal/email"
	"github.com/dukerupert/rota/internal/handler"
	"github.com/dukerupert/rota/internal/middleware"
	"github.com/dukerupert/rota/internal/notify"
	"github.com/dukerupert/rota/internal/push"
	"github.com/dukerupert/rota/internal/store"
	ws "github.com/dukerupert/rota/internal/websocket"
)

// Options configures a Server.
type Options struct {
	JWTSecret      string
	TokenTTL       time.Duration
	BaseURL        string
	Push           push.Config
	Email          *email.Client
	LoginRateLimit int
	Clock          clock.Clock
}

type Server struct {
	db           *sqlx.DB
	hub          *ws.Hub
	authH        *handler.AuthHandler
	choreH       *handler.ChoreHandler
	pushH        *handler.PushHandler
	verifier     *auth.Verifier
	sessionStore *store.SessionStore
	rateLimiter  *middleware.RateLimiter
	loginLimit   int
	notifier     *notify.Dispatcher
	logger       *slog.Logger
}

func New(db *sqlx.DB, opts Options, logger *slog.Logger) *Server {
	if opts.TokenTTL == 0 {
		opts.TokenTTL = 30 * 24 * time.Hour
	}
	if opts.LoginRateLimit == 0 {
		opts.LoginRateLimit = 10
	}

	userStore := store.NewUserStore(db)
	sessionStore := store.NewSessionStore(db)
	choreStore := store.NewChoreStore(db)
	pushStore := store.NewPushStore(db)

	tokens := auth.NewTokens(opts.JWTSecret)
	verifier := &auth.Verifier{Tokens: tokens, Sessions: sessionStore}
	hub := ws.NewHub(verifier, logger.With("component", "websocket"))

	var pushSvc *push.Service
	var pushH *handler.PushHandler
	if opts.Push.Enabled() {
		pushSvc = push.NewService(opts.Push)
		pushH = handler.NewPushHandler(pushStore, pushSvc, logger.With("component", "push_handler"))
	}
	notifier := notify.New(pushSvc, opts.Email, pushStore, opts.BaseURL, logger.With("component", "notify"))

	return &Server{
		db:           db,
		hub:          hub,
		authH:        handler.NewAuthHandler(userStore, sessionStore, tokens, opts.TokenTTL, hub, logger.With("component", "auth")),
		choreH:       handler.NewChoreHandler(choreStore, userStore, hub, notifier, logger.With("component", "chore")),
		pushH:        pushH,
		verifier:     verifier,
		sessionStore: sessionStore,
		rateLimiter:  middleware.NewRateLimiter(opts.Clock),
		loginLimit:   opts.LoginRateLimit,
		notifier:     notifier,
		logger:       logger,
	}
}

// SessionStore returns the session store for cleanup tasks.
func (s *Server) SessionStore() *store.SessionStore {
	return s.sessionStore
}

// RateLimiter returns the rate limiter for cleanup tasks.
func (s *Server) RateLimiter() *middleware.RateLimiter {
	return s.rateLimiter
}

// Notifier returns the notification dispatcher so the caller can start and
// stop it.
func (s *Server) Notifier() *notify.Dispatcher {
	return s.notifier
}

// Hub returns the realtime hub.
func (s *Server) Hub() *ws.Hub {
	return s.hub
}

func (s *Server) Router() http.Handler {
	outerMux := http.NewServeMux()

	// Public routes (no auth required)
	outerMux.HandleFunc("POST /api/auth/register", s.rateLimitedHandler(s.authH.Register))
	outerMux.HandleFunc("POST /api/auth/login", s.rateLimitedHandler(s.authH.Login))
	outerMux.HandleFunc("GET /health", s.healthHandler)

	// The socket authenticates in-band with an auth message.
	outerMux.HandleFunc("GET /ws", ws.HandleWebSocket(s.hub, s.logger.With("component", "websocket")))

	// Protected routes, wrapped with RequireAuth middleware
	protectedMux := http.NewServeMux()
	s.registerProtectedRoutes(protectedMux)

	authMiddleware := middleware.RequireAuth(s.verifier)
	outerMux.Handle("/api/", authMiddleware(protectedMux))

	// Apply request logging middleware
	return middleware.RequestLogger(s.logger.With("component", "http"))(outerMux)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := s.db.PingContext(r.Context()); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"status": "unavailable"})
		return
	}
	json.NewEncoder(w).Encode(map[string]any{"status": "ok", "clients": s.hub.ClientCount()})
}

func (s *Server) rateLimitedHandler(h http.HandlerFunc) http.HandlerFunc {
	keyFunc := func(r *http.Request) string {
		return middleware.RealIP(r)
	}
	rl := middleware.RateLimit(s.rateLimiter, keyFunc, s.loginLimit, time.Minute)
	return func(w http.ResponseWriter, r *http.Request) {
		rl(http.HandlerFunc(h)).ServeHTTP(w, r)
	}
}

func (s *Server) registerProtectedRoutes(mux *http.ServeMux) {
	// Auth routes that require authentication
	mux.HandleFunc("GET /api/auth/me", s.authH.Me)
	mux.HandleFunc("POST /api/auth/logout", s.authH.Logout)

	// Chore API routes
	mux.HandleFunc("GET /api/chores", s.choreH.List)
	mux.HandleFunc("POST /api/chores", s.choreH.Create)
	mux.HandleFunc("POST /api/chores/join", s.choreH.Join)
	mux.HandleFunc("GET /api/chores/{id}", s.choreH.Get)
	mux.HandleFunc("PUT /api/chores/{id}", s.choreH.Update)
	mux.HandleFunc("DELETE /api/chores/{id}", s.choreH.Delete)
	mux.HandleFunc("POST /api/chores/{id}/leave", s.choreH.Leave)
	mux.HandleFunc("POST /api/chores/{id}/people", s.choreH.AddPerson)
	mux.HandleFunc("DELETE /api/chores/{id}/people/{person_id}", s.choreH.RemovePerson)
	mux.HandleFunc("POST /api/chores/{id}/advance", s.choreH.Advance)

	// Push notification API routes
	if s.pushH != nil {
		mux.HandleFunc("POST /api/push/subscriptions", s.pushH.Subscribe)
		mux.HandleFunc("GET /api/push/subscriptions", s.pushH.ListSubscriptions)
		mux.HandleFunc("DELETE /api/push/subscriptions/{id}", s.pushH.Unsubscribe)
		mux.HandleFunc("GET /api/push/vapid-key", s.pushH.GetVAPIDKey)
	}
}
