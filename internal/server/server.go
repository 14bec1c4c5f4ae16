package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/parley-chat/parley/internal/config"
	"github.com/parley-chat/parley/internal/protocol"
	"github.com/parley-chat/parley/internal/registry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// shutdownNotice is the final broadcast sent before transports close.
const shutdownNotice = "Server is shutting down"

// Server wires dependencies and hosts the TCP accept loop.
type Server struct {
	cfg       config.Config
	log       *zap.Logger
	reg       registry.SessionRegistry
	router    *Router
	metrics   *relayMetrics
	listener  net.Listener
	adminHTTP *http.Server
	ready     atomic.Bool
	wg        sync.WaitGroup
}

// New constructs a server with its dependencies.
func New(cfg config.Config, logger *zap.Logger, reg registry.SessionRegistry) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if reg == nil {
		reg = registry.NewInMemory()
	}
	return &Server{
		cfg: cfg,
		log: logger,
		reg: reg,
	}
}

// Start boots the relay and blocks in the accept loop until shutdown. Each
// accepted connection gets its own goroutine; a failed accept is logged and
// the loop keeps listening.
func (s *Server) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.ListenAddress, err)
	}
	s.listener = lis

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	s.metrics = newRelayMetrics(promReg)
	s.startAdminServer(promReg)

	s.router = NewRouter(s.log, s.reg, RouterOptions{
		Metrics:       s.metrics,
		MaxFrameBytes: s.cfg.MaxFrameBytes,
		SendBuffer:    s.cfg.SendBuffer,
	})

	go func() {
		<-ctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownGracePeriod)
		defer cancel()
		s.Shutdown(stopCtx)
	}()

	s.log.Info("relay listening", zap.String("address", lis.Addr().String()))
	s.ready.Store(true)

	for {
		conn, acceptErr := lis.Accept()
		if acceptErr != nil {
			if errors.Is(acceptErr, net.ErrClosed) {
				return nil
			}
			s.log.Warn("accept failed", zap.Error(acceptErr))
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.router.HandleConn(ctx, conn)
		}()
	}
}

// Addr reports the bound listen address, once listening.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) startAdminServer(promReg *prometheus.Registry) {
	if s.cfg.AdminAddress == "" {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if s.ready.Load() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not_ready"))
	})

	s.adminHTTP = &http.Server{
		Addr:              s.cfg.AdminAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.adminHTTP.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("admin server stopped", zap.Error(err))
		}
	}()
	s.log.Info("admin server listening", zap.String("address", s.cfg.AdminAddress))
}

// Shutdown notifies every active session, closes transports, and waits for
// session goroutines to drain within the grace period before giving up.
func (s *Server) Shutdown(ctx context.Context) {
	s.ready.Store(false)

	if s.adminHTTP != nil {
		if err := s.adminHTTP.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("admin server shutdown", zap.Error(err))
		}
	}
	if s.listener != nil {
		_ = s.listener.Close()
	}
	if s.router != nil {
		s.router.shutdownSessions(protocol.NewSystem(shutdownNotice))
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("relay stopped")
	case <-ctx.Done():
		s.log.Warn("graceful shutdown timed out; sessions abandoned")
	}
}
