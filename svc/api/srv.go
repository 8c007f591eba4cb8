package api

import (
	"context"
	"net/http"
	"pastel/cfg"
	"pastel/svc/auth"
	"pastel/svc/db"
	"pastel/svc/lim"
	"pastel/svc/svc"
	"pastel/svc/util"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/hlog"
)

// Pinger is anything /ready can probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Deps struct {
	Paste   *svc.Paste
	Limiter *lim.Limiter
	SQLite  *db.SQLite
	Redis   *db.Redis
	Vectors Pinger
}

type Server struct {
	router     *chi.Mux
	cfg        *cfg.Cfg
	db         *db.SQLite
	rdb        *db.Redis
	vectors    Pinger
	httpServer *http.Server
}

func NewServer(c *cfg.Cfg, d Deps) *Server {
	s := &Server{
		cfg:     c,
		db:      d.SQLite,
		rdb:     d.Redis,
		vectors: d.Vectors,
	}
	r := chi.NewRouter()
	mw := NewMw(d.Limiter, c)
	r.Group(func(r chi.Router) {
		r.Use(mw.Recoverer)
		r.Get("/health", s.Health)
		r.Get("/ready", s.Ready)
		r.Handle("/metrics", mw.BasicAuthMetrics(promhttp.Handler()))
	})
	if c.IsDevelopment() {
		r.Mount("/debug", middleware.Profiler())
	}

	devIdentity := ""
	if c.IsDevelopment() {
		devIdentity = c.DevIdentity
	}
	identity := auth.NewResolver(c.IdentityHeader, devIdentity)
	hdl := &Hdl{paste: d.Paste, cfg: c}

	r.Route("/v1", func(r chi.Router) {
		r.Use(mw.Recoverer)
		r.Use(mw.RequestID)
		r.Use(hlog.NewHandler(util.GetLogger()))
		r.Use(hlog.AccessHandler(func(req *http.Request, status, size int, dur time.Duration) {
			hlog.FromRequest(req).Info().
				Str("method", req.Method).
				Str("url", req.URL.Path).
				Int("status", status).
				Int("size", size).
				Dur("duration", dur).
				Str("request_id", util.GetRequestID(req.Context())).
				Msg("http request")
		}))
		r.Use(mw.Instrument)
		r.Use(mw.ContextTimeout)
		r.Use(mw.SecurityHeaders)
		r.Use(mw.CORS)
		r.Use(mw.JSONContentType)
		r.Use(identity.Middleware)

		r.With(mw.RateLimit("write")).Post("/paste", hdl.CreatePaste)
		r.Get("/paste/{id}", hdl.GetPaste)
		r.With(mw.RateLimit("write")).Put("/paste/{id}", hdl.UpdatePaste)
		r.With(mw.RateLimit("write")).Delete("/paste/{id}", hdl.DeletePaste)
		r.Get("/my-pastes", hdl.MyPastes)
		r.Get("/public-pastes", hdl.PublicPastes)
		r.With(mw.RateLimit("search")).Post("/search", hdl.Search)
		r.With(mw.RateLimit("write")).Post("/reindex-all", hdl.ReindexAll)
	})

	s.router = r
	s.httpServer = &http.Server{
		Addr:           ":" + c.Port,
		Handler:        r,
		ReadTimeout:    15 * time.Second,
		WriteTimeout:   c.ContextTimeout + 5*time.Second,
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 256 * 1024,
	}
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) Start() error {
	util.Info().Str("port", s.cfg.Port).Msg("starting server")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		util.Error().Err(err).Str("port", s.cfg.Port).Msg("server failed to start")
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
