package httpserver

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/rs/zerolog/log"
)

type Options struct {
	RequestTimeout time.Duration
	CORSOrigins    []string
	// WebhookPerMinute caps webhook deliveries per client IP; 0 disables it.
	WebhookPerMinute int
	// TriggerPerMinute caps manual sync triggers per client IP; 0 disables it.
	TriggerPerMinute int
}

type Server struct {
	mux          *chi.Mux
	timeout      time.Duration
	webhookLimit func(http.Handler) http.Handler
	triggerLimit func(http.Handler) http.Handler
}

func New(opts Options) *Server {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 15 * time.Second
	}
	if len(opts.CORSOrigins) == 0 {
		opts.CORSOrigins = []string{"*"}
	}

	m := chi.NewRouter()

	// All middlewares go here (before any routes are added)
	m.Use(chimw.RealIP)
	m.Use(chimw.RequestID)
	m.Use(chimw.Recoverer)
	m.Use(cors.Handler(cors.Options{
		AllowedOrigins: opts.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "If-None-Match"},
		ExposedHeaders: []string{"ETag"},
		MaxAge:         300,
	}))
	m.Use(Metrics)
	m.Use(Logger(log.Logger))

	return &Server{
		mux:          m,
		timeout:      opts.RequestTimeout,
		webhookLimit: perMinute(opts.WebhookPerMinute),
		triggerLimit: perMinute(opts.TriggerPerMinute),
	}
}

func perMinute(n int) func(http.Handler) http.Handler {
	if n <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	return httprate.Limit(n, time.Minute,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			writeProblem(w, http.StatusTooManyRequests, "Too Many Requests", "slow down")
		}),
	)
}

func (s *Server) Mux() http.Handler { return s.mux }

// Mount attaches any extra handler (e.g., /metrics) to the router.
func (s *Server) Mount(path string, h http.Handler) {
	s.mux.Handle(path, h)
}
