package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/npezzotti/go-ticketchat/internal/auth"
	"github.com/npezzotti/go-ticketchat/internal/config"
	"github.com/npezzotti/go-ticketchat/internal/database"
	"github.com/npezzotti/go-ticketchat/internal/logging"
	"github.com/npezzotti/go-ticketchat/internal/server"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

type ChatApp struct {
	log            zerolog.Logger
	db             database.ChatRepository
	srv            *http.Server
	cs             *server.ChatServer
	validator      auth.TokenValidator
	allowedOrigins []string
}

// NewChatApp registers the chat routes on mux and wraps it in the CORS,
// recovery and request logging middleware.
func NewChatApp(mux *http.ServeMux, logger zerolog.Logger, cs *server.ChatServer, db database.ChatRepository,
	validator auth.TokenValidator, cfg *config.Config) *ChatApp {
	s := &ChatApp{
		log:            logger,
		db:             db,
		cs:             cs,
		validator:      validator,
		allowedOrigins: cfg.AllowedOrigins,
	}

	mux.HandleFunc("GET /ws", s.serveWs)
	mux.HandleFunc("GET /healthz", s.healthz)
	mux.Handle("GET /chat/ticket/{ticketId}", s.authMiddleware(s.history(auth.RoleRequester)))
	mux.Handle("GET /chat/teacher/ticket/{ticketId}", s.authMiddleware(s.history(auth.RoleExpert)))
	mux.Handle("GET /chat/ticket/{ticketId}/presence", s.authMiddleware(s.presence))
	mux.Handle("POST /chat/ticket/{ticketId}/request-demo", s.authMiddleware(s.requestDemo))

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept", "Authorization"}),
		handlers.AllowCredentials(),
	)(mux)

	h = s.errorHandler(h)
	h = logging.HTTPMiddleware(logger)(h)
	h = otelhttp.NewHandler(h, "ticketchat.http")

	s.srv = &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: h,
	}

	return s
}

func (s *ChatApp) Handler() http.Handler {
	return s.srv.Handler
}

func (s *ChatApp) Start() error {
	s.log.Info().Str("addr", s.srv.Addr).Msg("starting server")
	return s.srv.ListenAndServe()
}

func (s *ChatApp) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("shutting down HTTP server")
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}
