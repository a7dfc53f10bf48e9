// Package httpapi exposes the assistant over HTTP: rules, calendar,
// notifications, presence, inbox, tasks, backups and inbound webhooks.
package httpapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"assistd/internal/backup"
	"assistd/internal/calendar"
	"assistd/internal/channels"
	"assistd/internal/notifications"
	"assistd/internal/presence"
	"assistd/internal/rules"
	rtsup "assistd/internal/runtime/supervisor"
	"assistd/internal/tasks"
	"assistd/pkg/logx"
)

type Config struct {
	Addr           string
	Token          string // bearer token for /api; empty disables auth
	WebhookToken   string // bearer token for /webhooks; empty disables auth
	AllowedOrigins []string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	Pprof          bool // mount /debug profiler behind Token
}

// Deps are the services behind the routes. Nil services leave their routes unmounted.
type Deps struct {
	Rules         *rules.Service
	Calendar      *calendar.Service
	Notifications *notifications.Service
	Presence      *presence.Service
	Inbox         *channels.Inbox
	Tasks         *tasks.Service
	Backup        *backup.Service
	Sink          rules.EventSink
}

type Server struct {
	cfg  Config
	deps Deps
	log  logx.Logger
	mux  *chi.Mux

	srv *http.Server
	sup *rtsup.Supervisor
}

func New(cfg Config, deps Deps, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 15 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 30 * time.Second
	}
	if deps.Sink == nil && deps.Rules != nil {
		deps.Sink = deps.Rules
	}
	s := &Server{cfg: cfg, deps: deps, log: log}
	s.mux = s.routes()
	return s
}

func (s *Server) Handler() http.Handler { return s.mux }

func (s *Server) routes() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLog)
	r.Use(middleware.Recoverer)
	origins := s.cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", s.health)

	r.Route("/api", func(r chi.Router) {
		r.Use(bearer(s.cfg.Token))
		if s.deps.Rules != nil {
			s.mountRules(r)
		}
		if s.deps.Calendar != nil {
			s.mountCalendar(r)
		}
		if s.deps.Notifications != nil {
			s.mountNotifications(r)
		}
		if s.deps.Presence != nil {
			r.Get("/presence", s.getPresence)
			r.Put("/presence", s.setPresence)
			r.Delete("/presence", s.clearPresence)
		}
		if s.deps.Inbox != nil {
			r.Get("/inbox", s.listInbox)
			r.Post("/inbox/{id}/read", s.readInbox)
		}
		if s.deps.Tasks != nil {
			s.mountTasks(r)
		}
		if s.deps.Backup != nil {
			r.Get("/backups", s.listBackups)
			r.Post("/backups", s.runBackup)
		}
	})

	if s.cfg.Pprof {
		r.With(bearer(s.cfg.Token)).Mount("/debug", middleware.Profiler())
	}

	if s.deps.Sink != nil {
		r.With(bearer(s.cfg.WebhookToken)).Post("/webhooks/{eventType}", s.webhook)
	}
	return r
}

// Start listens on cfg.Addr until Stop.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.srv = &http.Server{
		Handler:           s.mux,
		ReadTimeout:       s.cfg.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      s.cfg.WriteTimeout,
	}
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))
	srv := s.srv
	s.sup.Go("http.serve", func(context.Context) error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	s.log.Info("http api listening", logx.String("addr", ln.Addr().String()))
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	err := s.srv.Shutdown(ctx)
	if serr := s.sup.Stop(ctx); err == nil {
		err = serr
	}
	return err
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "time": time.Now().UTC()})
}

// bearer rejects requests without the token. An empty token allows everything.
func bearer(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		want := []byte("Bearer " + token)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := []byte(strings.TrimSpace(r.Header.Get("Authorization")))
			if subtle.ConstantTimeCompare(got, want) != 1 {
				writeError(w, http.StatusUnauthorized, errors.New("unauthorized"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("http request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Duration("took", time.Since(start)),
			logx.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
