package httpapi

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"bellbot/internal/deadline"
	rtsup "bellbot/internal/runtime/supervisor"
	logx "bellbot/pkg/logx"
)

const DefaultRefresh = 30 * time.Second

// Registry is the read side of deadline.Registry.
type Registry interface {
	Get(room string) (time.Time, error)
	WaitForChangeSince(ctx context.Context, room string, seen time.Time, maxWait time.Duration) (time.Time, error)
}

// Config controls the deadline API server.
type Config struct {
	Addr      string
	StaticDir string
	// Refresh re-sends an unchanged value on /watch so idle proxies keep the
	// stream open. It carries no change signal.
	Refresh     time.Duration
	TLSCert     string
	TLSKey      string
	ReadTimeout time.Duration
	IdleTimeout time.Duration
}

type Server struct {
	mu  sync.Mutex
	log logx.Logger
	cfg Config
	reg Registry

	ln       net.Listener
	srv      *http.Server
	sup      *rtsup.Supervisor
	ready    chan struct{}
	stopDone chan struct{}

	streams atomic.Int64
}

func New(cfg Config, reg Registry, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Refresh <= 0 {
		cfg.Refresh = DefaultRefresh
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = ":8080"
	}
	return &Server{cfg: cfg, reg: reg, log: log.With(logx.String("comp", "httpapi")), ready: make(chan struct{})}
}

// Streams is the number of open /watch sessions.
func (s *Server) Streams() int64 { return s.streams.Load() }

// Addr returns the bound listener address once serving, else "".
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Ready is closed the first time the listener is bound.
func (s *Server) Ready() <-chan struct{} { return s.ready }

//go:embed web/sdk.js
var rawWebFS embed.FS

// Handler builds the routing table:
//
//	GET /{room}/get    current deadline as text/plain, "-" when unknown
//	GET /{room}/watch  text/event-stream of the same value
//	GET /sdk.js        browser SDK
//	GET /healthz
//	GET /              static files (when StaticDir is set)
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	webFS, err := fs.Sub(rawWebFS, "web")
	if err != nil {
		panic(fmt.Sprintf("httpapi: embedded web assets: %v", err))
	}
	mux.Handle("GET /sdk.js", http.FileServerFS(webFS))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("GET /{room}/get", s.handleGet)
	mux.HandleFunc("GET /{room}/watch", s.handleWatch)
	if dir := strings.TrimSpace(s.cfg.StaticDir); dir != "" {
		mux.Handle("GET /", http.FileServer(http.Dir(dir)))
	}
	return withCORS(mux)
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	room := r.PathValue("room")
	d, err := s.reg.Get(room)
	if err != nil {
		writeRoomError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	_, _ = w.Write([]byte(deadline.Format(d)))
}

func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	room := r.PathValue("room")
	d, err := s.reg.Get(room)
	if err != nil {
		writeRoomError(w, err)
		return
	}
	fl, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	session := uuid.NewString()
	log := s.log.With(logx.String("room", room), logx.String("session", session))
	n := s.streams.Add(1)
	log.Debug("stream opened", logx.String("remote", r.RemoteAddr), logx.Int64("streams", n))
	defer func() {
		n := s.streams.Add(-1)
		log.Debug("stream closed", logx.Int64("streams", n))
	}()

	ctx := r.Context()
	for {
		if _, err := fmt.Fprintf(w, "data: %s\r\n\r\n", deadline.Format(d)); err != nil {
			return
		}
		fl.Flush()

		d, err = s.reg.WaitForChangeSince(ctx, room, d, s.cfg.Refresh)
		if err != nil {
			if !errors.Is(err, context.Canceled) && !errors.Is(err, deadline.ErrClosed) {
				log.Warn("stream wait failed", logx.Err(err))
			}
			return
		}
	}
}

func writeRoomError(w http.ResponseWriter, err error) {
	if errors.Is(err, deadline.ErrUnknownRoom) {
		http.Error(w, "unknown room", http.StatusNotFound)
		return
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

// Start runs the server under a restart loop. It is idempotent.
func (s *Server) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return
	}
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log))
	s.sup.GoRestart("http.serve", s.serveOnce, rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second))
}

// Stop cancels open streams, then shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.sup == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	sup := s.sup
	srv := s.srv
	s.mu.Unlock()

	go func() {
		defer close(done)
		// cancelling the supervisor ends every stream via BaseContext
		sup.Cancel()
		if srv != nil {
			_ = srv.Shutdown(ctx)
			_ = srv.Close()
		}
		_ = sup.Wait(context.Background())

		s.mu.Lock()
		s.ln = nil
		s.srv = nil
		s.sup = nil
		s.stopDone = nil
		s.mu.Unlock()
		s.log.Info("http stopped")
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}
}

func (s *Server) serveOnce(ctx context.Context) error {
	cur := s.cfg

	ln, err := net.Listen("tcp", cur.Addr)
	if err != nil {
		s.log.Error("http listen failed", logx.String("addr", cur.Addr), logx.Err(err))
		if ctx.Err() != nil {
			return context.Canceled
		}
		return err
	}
	defer func() { _ = ln.Close() }()

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cur.ReadTimeout,
		IdleTimeout:       cur.IdleTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	defer func() { _ = srv.Close() }()

	s.mu.Lock()
	s.ln = ln
	s.srv = srv
	select {
	case <-s.ready:
	default:
		close(s.ready)
	}
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(cctx)
		cancel()
	}()

	tls := strings.TrimSpace(cur.TLSCert) != ""
	s.log.Info("http started", logx.String("addr", ln.Addr().String()), logx.Bool("tls", tls), logx.Bool("static", cur.StaticDir != ""), logx.Duration("refresh", cur.Refresh))
	if tls {
		err = srv.ServeTLS(ln, cur.TLSCert, cur.TLSKey)
	} else {
		err = srv.Serve(ln)
	}

	s.mu.Lock()
	if s.srv == srv {
		s.srv = nil
		s.ln = nil
	}
	stopping := s.stopDone != nil
	s.mu.Unlock()

	if stopping || ctx.Err() != nil {
		return context.Canceled
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("http server exited unexpectedly")
	}
	return err
}
