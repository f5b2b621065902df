package dns

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"burrow/pkg/config"
	"burrow/pkg/logging"
	"burrow/pkg/telemetry"

	"github.com/miekg/dns"
)

// Server is the datagram listener/dispatcher. Each inbound request is
// served on its own goroutine by the miekg/dns server machinery.
type Server struct {
	cfg       *config.Config
	handler   *Handler
	logger    *logging.Logger
	metrics   *telemetry.Metrics
	udpServer *dns.Server
	tcpServer *dns.Server
	running   bool
	mu        sync.RWMutex
}

// NewServer creates a new DNS server around the resolution pipeline
func NewServer(cfg *config.Config, handler *Handler, logger *logging.Logger, metrics *telemetry.Metrics) *Server {
	handler.SetMetrics(metrics)

	return &Server{
		cfg:     cfg,
		handler: handler,
		logger:  logger,
		metrics: metrics,
	}
}

// Start starts the configured listeners and blocks until the context
// is cancelled or a listener fails
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server already running")
	}
	s.running = true

	wrapped := &wrappedHandler{
		handler: s.handler,
		logger:  s.logger,
		metrics: s.metrics,
	}

	errChan := make(chan error, 2)

	if s.cfg.Server.UDPEnabled {
		s.udpServer = &dns.Server{
			Addr:    s.cfg.Server.ListenAddress,
			Net:     "udp",
			Handler: dns.HandlerFunc(wrapped.serveDNS),
		}
	}
	if s.cfg.Server.TCPEnabled {
		s.tcpServer = &dns.Server{
			Addr:    s.cfg.Server.ListenAddress,
			Net:     "tcp",
			Handler: dns.HandlerFunc(wrapped.serveDNS),
		}
	}

	s.mu.Unlock()

	if s.cfg.Server.UDPEnabled {
		go func() {
			s.logger.Info("Starting UDP DNS server", "address", s.cfg.Server.ListenAddress)
			s.mu.RLock()
			srv := s.udpServer
			s.mu.RUnlock()
			if err := srv.ListenAndServe(); err != nil {
				errChan <- fmt.Errorf("UDP server failed: %w", err)
			}
		}()
	}
	if s.cfg.Server.TCPEnabled {
		go func() {
			s.logger.Info("Starting TCP DNS server", "address", s.cfg.Server.ListenAddress)
			s.mu.RLock()
			srv := s.tcpServer
			s.mu.RUnlock()
			if err := srv.ListenAndServe(); err != nil {
				errChan <- fmt.Errorf("TCP server failed: %w", err)
			}
		}()
	}

	s.logger.Info("DNS server started",
		"address", s.cfg.Server.ListenAddress,
		"udp", s.cfg.Server.UDPEnabled,
		"tcp", s.cfg.Server.TCPEnabled,
	)

	select {
	case <-ctx.Done():
		s.logger.Info("DNS server shutting down")
		return s.Shutdown(context.Background())
	case err := <-errChan:
		s.logger.Error("DNS server error", "error", err)
		return err
	}
}

// Shutdown gracefully shuts down the listeners
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}

	var errs []error

	if s.udpServer != nil {
		if err := s.udpServer.ShutdownContext(ctx); err != nil {
			errs = append(errs, fmt.Errorf("UDP shutdown: %w", err))
		}
	}
	if s.tcpServer != nil {
		if err := s.tcpServer.ShutdownContext(ctx); err != nil {
			errs = append(errs, fmt.Errorf("TCP shutdown: %w", err))
		}
	}

	s.running = false

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}

	s.logger.Info("DNS server shut down")
	return nil
}

// IsRunning returns whether the server is running
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// wrappedHandler wraps the resolution pipeline with per-query logging,
// metrics and duration measurement so the pipeline itself stays free
// of cross-cutting concerns.
type wrappedHandler struct {
	handler *Handler
	logger  *logging.Logger
	metrics *telemetry.Metrics
}

func (w *wrappedHandler) serveDNS(rw dns.ResponseWriter, r *dns.Msg) {
	startTime := time.Now()
	ctx := context.Background()

	if w.metrics != nil {
		w.metrics.ActiveClients.Add(ctx, 1)
		defer w.metrics.ActiveClients.Add(ctx, -1)
		w.metrics.QueriesTotal.Add(ctx, 1)
	}

	var domain string
	var qtype uint16
	if len(r.Question) > 0 {
		domain = r.Question[0].Name
		qtype = r.Question[0].Qtype
	}

	w.logger.Debug("DNS query received",
		"domain", domain,
		"type", dns.TypeToString[qtype],
		"client", getClientIP(rw),
	)

	w.handler.ServeDNS(ctx, rw, r)

	duration := time.Since(startTime)
	if w.metrics != nil {
		w.metrics.QueryDuration.Record(ctx, float64(duration.Milliseconds()))
	}

	w.logger.Debug("DNS query processed",
		"domain", domain,
		"duration_ms", duration.Milliseconds(),
	)
}

// getClientIP extracts the client IP from the response writer,
// handling both UDP and TCP remote address forms
func getClientIP(w dns.ResponseWriter) string {
	if w.RemoteAddr() != nil {
		host, _, err := net.SplitHostPort(w.RemoteAddr().String())
		if err == nil {
			return host
		}
		return w.RemoteAddr().String()
	}
	return "unknown"
}
