// Package server owns the HTTP(S) listeners and the route table.
package server

import (
	"context"
	"crypto/tls"
	"encoding/pem"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"streamalert/internal/metrics"
	"streamalert/internal/webhook"
	logx "streamalert/pkg/logx"
)

type Config struct {
	Host string
	Port int

	// HTTPS is served when all configured TLS files exist.
	TLS TLSConfig

	ReadHeaderTimeout time.Duration
	WriteTimeout      time.Duration
	ShutdownTimeout   time.Duration

	Metrics bool
	Pprof   bool
}

type TLSConfig struct {
	CertFile  string
	KeyFile   string
	ChainFile string
	// Port defaults to Port+443.
	Port int
}

func (c Config) withDefaults() Config {
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.ReadHeaderTimeout <= 0 {
		c.ReadHeaderTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		// delivery runs inside the request
		c.WriteTimeout = 60 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 5 * time.Second
	}
	if c.TLS.Port == 0 && c.Port != 0 {
		c.TLS.Port = c.Port + 443
	}
	return c
}

// Enabled reports whether every configured TLS file exists.
func (t TLSConfig) Enabled() bool {
	files := []string{t.CertFile, t.KeyFile}
	if t.ChainFile != "" {
		files = append(files, t.ChainFile)
	}
	for _, f := range files {
		if f == "" {
			return false
		}
		if _, err := os.Stat(f); err != nil {
			return false
		}
	}
	return true
}

type Server struct {
	cfg     Config
	log     logx.Logger
	handler http.Handler

	mu        sync.Mutex
	listeners []listener
}

type listener struct {
	name string
	ln   net.Listener
	srv  *http.Server
}

func New(cfg Config, hook *webhook.Handler, m *metrics.Metrics, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Server{cfg: cfg.withDefaults(), log: log.With(logx.String("comp", "http"))}
	s.handler = s.routes(hook, m)
	return s
}

func (s *Server) routes(hook *webhook.Handler, m *metrics.Metrics) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.accessLog)
	r.Use(middleware.Recoverer)
	r.Use(cors)

	r.Get("/", webhook.Forbidden)
	if hook != nil {
		r.Post("/", hook.ServeHTTP)
	}
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})
	if s.cfg.Metrics && m != nil {
		r.Method(http.MethodGet, "/metrics", m.Handler())
	}
	if s.cfg.Pprof {
		r.Mount("/debug", middleware.Profiler())
	}
	return r
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.handler }

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Origin, X-Requested-With, Content-Type, Accept")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		defer func() {
			s.log.Debug("http request",
				logx.String("req_id", middleware.GetReqID(r.Context())),
				logx.String("method", r.Method),
				logx.String("path", r.URL.Path),
				logx.Int("status", ww.Status()),
				logx.Int("bytes", ww.BytesWritten()),
				logx.Duration("took", time.Since(start)),
				logx.String("remote", r.RemoteAddr),
			)
		}()
		next.ServeHTTP(ww, r)
	})
}

// Listen binds the HTTP listener and, when TLS files exist, the HTTPS one.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.listeners) > 0 {
		return errors.New("server: already listening")
	}

	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	s.listeners = append(s.listeners, listener{name: "http", ln: ln, srv: s.newHTTPServer()})

	if s.cfg.TLS.Enabled() {
		tlsCfg, err := loadTLS(s.cfg.TLS)
		if err != nil {
			s.closeLocked()
			return err
		}
		addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.TLS.Port))
		tln, err := net.Listen("tcp", addr)
		if err != nil {
			s.closeLocked()
			return fmt.Errorf("listen %s: %w", addr, err)
		}
		srv := s.newHTTPServer()
		srv.TLSConfig = tlsCfg
		s.listeners = append(s.listeners, listener{name: "https", ln: tls.NewListener(tln, tlsCfg), srv: srv})
	}
	return nil
}

func (s *Server) newHTTPServer() *http.Server {
	return &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
		IdleTimeout:       120 * time.Second,
	}
}

func (s *Server) closeLocked() {
	for _, l := range s.listeners {
		_ = l.ln.Close()
	}
	s.listeners = nil
}

// Addrs returns the bound addresses keyed by "http" / "https".
func (s *Server) Addrs() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.listeners))
	for _, l := range s.listeners {
		out[l.name] = l.ln.Addr().String()
	}
	return out
}

// Serve blocks until ctx is cancelled or a listener fails, then shuts all
// listeners down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	ls := append([]listener(nil), s.listeners...)
	s.mu.Unlock()
	if len(ls) == 0 {
		return errors.New("server: Listen not called")
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, l := range ls {
		g.Go(func() error {
			s.log.Info("server started", logx.String("proto", l.name), logx.String("addr", l.ln.Addr().String()))
			if err := l.srv.Serve(l.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("%s server: %w", l.name, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
		defer cancel()
		for _, l := range ls {
			if err := l.srv.Shutdown(sctx); err != nil {
				s.log.Warn("server shutdown error", logx.String("proto", l.name), logx.Err(err))
			}
		}
		s.log.Info("server stopped")
		return nil
	})

	err := g.Wait()
	s.mu.Lock()
	s.listeners = nil
	s.mu.Unlock()
	return err
}

// Run is Listen followed by Serve.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// loadTLS reads the key pair and appends any intermediate certificates from
// the chain file.
func loadTLS(c TLSConfig) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load tls key pair: %w", err)
	}
	if c.ChainFile != "" {
		raw, err := os.ReadFile(c.ChainFile)
		if err != nil {
			return nil, fmt.Errorf("read tls chain: %w", err)
		}
		for {
			var block *pem.Block
			block, raw = pem.Decode(raw)
			if block == nil {
				break
			}
			if block.Type == "CERTIFICATE" {
				cert.Certificate = append(cert.Certificate, block.Bytes)
			}
		}
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}, nil
}
