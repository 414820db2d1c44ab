package api

import (
	"context"
	"net/http"
	"time"

	"hastypaste/cfg"
	"hastypaste/svc/lim"
	"hastypaste/svc/svc"
	"hastypaste/svc/util"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/hlog"
)

// Lexers is what the routes need from the renderer.
type Lexers interface {
	IsValid(name string) bool
	Names() []string
	CSS() (string, error)
}

type Server struct {
	router     *chi.Mux
	paste      *svc.Paste
	lim        *lim.Limiter
	cfg        *cfg.Cfg
	httpServer *http.Server
}

func NewServer(c *cfg.Cfg, p *svc.Paste, l *lim.Limiter, lx Lexers) *Server {
	r := chi.NewRouter()
	mw := NewMw(l, c)
	s := &Server{paste: p, lim: l, cfg: c}
	r.Group(func(r chi.Router) {
		r.Use(mw.Recoverer)
		r.Get("/health", s.Health)
		r.Get("/ready", s.Ready)
	})
	r.Group(func(r chi.Router) {
		r.Use(mw.Recoverer)
		r.Handle("/metrics", mw.BasicAuthMetrics(promhttp.Handler()))
	})
	if c.IsDev() {
		r.Mount("/debug", middleware.Profiler())
	}

	r.Group(func(r chi.Router) {
		r.Use(mw.RealIP)
		r.Use(mw.RequestID)
		r.Use(hlog.NewHandler(util.GetLogger()))
		r.Use(hlog.AccessHandler(func(req *http.Request, status, size int, dur time.Duration) {
			hlog.FromRequest(req).Info().
				Str("method", req.Method).
				Str("url", req.URL.String()).
				Int("status", status).
				Int("size", size).
				Dur("duration", dur).
				Str("request_id", util.GetRequestID(req.Context())).
				Msg("http request")
		}))
		r.Use(mw.Recoverer)
		r.Use(mw.Metrics)
		r.Use(mw.ContextTimeout)
		r.Use(mw.SecurityHeaders)
		r.Use(mw.AnomalyDetection)
		hdl := &Hdl{paste: p, cfg: c, lexers: lx, now: time.Now}
		r.Route("/api", func(r chi.Router) {
			r.With(mw.RateLimitCreate).Post("/pastes", hdl.CreatePaste)
			r.With(mw.RateLimitCreate).Post("/pastes/upload", hdl.UploadPaste)
			r.Get("/pastes", hdl.ListPastes)
			r.Get("/pastes/{id}", hdl.GetRaw)
			r.Get("/pastes/{id}/meta", hdl.GetMeta)
			r.Get("/pastes/{id}/rendered", hdl.GetRendered)
			r.Get("/lexers", hdl.ListLexers)
			r.Get("/style.css", hdl.Stylesheet)
		})
	})
	s.router = r
	s.httpServer = &http.Server{
		Addr:              ":" + c.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       c.WriteTimeout,
		WriteTimeout:      c.WriteTimeout + 5*time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    256 * 1024,
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
