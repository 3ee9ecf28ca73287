package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

const (
	ServiceName    = "PIXGG Webhook Listener"
	ServiceVersion = "1.0.0"
)

type statusResponse struct {
	Service   string           `json:"service"`
	Version   string           `json:"version"`
	Status    ConnectionStatus `json:"status"`
	Pusher    pusherBlock      `json:"pusher"`
	Webhooks  webhooksBlock    `json:"webhooks"`
	Uptime    uptimeBlock      `json:"uptime"`
	LastEvent *LastEvent       `json:"lastEvent"`
	Timestamp string           `json:"timestamp"`
}

type pusherBlock struct {
	Connected bool   `json:"connected"`
	Cluster   string `json:"cluster"`
	Channel   string `json:"channel"`
	Event     string `json:"event"`
}

type webhooksBlock struct {
	Sent   int64 `json:"sent"`
	Failed int64 `json:"failed"`
}

type uptimeBlock struct {
	StartTime string `json:"startTime"`
	Seconds   int64  `json:"seconds"`
	Formatted string `json:"formatted"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// StatusServer serves a read-only JSON snapshot of the StatusModel on GET /.
type StatusServer struct {
	addr         string
	status       *StatusModel
	subscription Subscription
	logger       *zap.Logger
	server       *http.Server

	serviceName    string
	serviceVersion string
	now            func() time.Time

	mu        sync.RWMutex
	started   bool
	boundAddr string
	stopOnce  sync.Once
	stopChan  chan struct{}
}

// NewStatusServer creates a status server listening on addr once started.
func NewStatusServer(addr string, status *StatusModel, subscription Subscription, logger *zap.Logger, opts ...StatusServerOption) *StatusServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &StatusServer{
		addr:           addr,
		status:         status,
		subscription:   subscription,
		logger:         logger,
		serviceName:    ServiceName,
		serviceVersion: ServiceVersion,
		now:            time.Now,
		stopChan:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the router: GET / plus JSON 404s for everything else.
func (s *StatusServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	}))

	r.Get("/", s.handleStatus)
	r.NotFound(s.handleNotFound)
	r.MethodNotAllowed(s.handleNotFound)
	return r
}

func (s *StatusServer) Name() string {
	return "status_server"
}

// Start binds the listen address and serves until the context is cancelled or Stop is called.
// A bind failure is logged and Start returns without affecting other workers.
func (s *StatusServer) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		s.logger.Warn("Status server already started")
		return
	}
	s.started = true
	s.mu.Unlock()

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		s.logger.Error("FATAL: status server cannot bind listen address, port may already be in use",
			zap.String("addr", s.addr),
			zap.Error(err),
		)
		return
	}

	s.mu.Lock()
	s.boundAddr = ln.Addr().String()
	s.mu.Unlock()
	s.logger.Info("Status server listening", zap.String("addr", ln.Addr().String()))

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.server.Serve(ln)
	}()

	select {
	case <-ctx.Done():
	case <-s.stopChan:
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Status server stopped unexpectedly", zap.Error(err))
		}
		return
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownGrace)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("Status server shutdown did not complete cleanly", zap.Error(err))
	}
	<-serveErr
	s.logger.Info("Status server stopped")
}

// Stop signals Start to shut the server down. It is safe to call Stop multiple times.
func (s *StatusServer) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
	})
}

// Addr returns the address the server is bound to, or "" before it is listening.
func (s *StatusServer) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.boundAddr
}

func (s *StatusServer) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.buildStatus(s.now()))
}

func (s *StatusServer) handleNotFound(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusNotFound, errorResponse{
		Error:   "Not Found",
		Message: fmt.Sprintf("Route %s %s not found", r.Method, r.URL.Path),
	})
}

func (s *StatusServer) buildStatus(now time.Time) statusResponse {
	snap := s.status.Snapshot()
	seconds := int64(s.status.Uptime(now) / time.Second)

	return statusResponse{
		Service: s.serviceName,
		Version: s.serviceVersion,
		Status:  snap.Status,
		Pusher: pusherBlock{
			Connected: snap.PusherConnected,
			Cluster:   s.subscription.Cluster,
			Channel:   s.subscription.Channel,
			Event:     s.subscription.EventName,
		},
		Webhooks: webhooksBlock{
			Sent:   snap.WebhooksSent,
			Failed: snap.WebhooksFailed,
		},
		Uptime: uptimeBlock{
			StartTime: formatTimestamp(snap.StartTime),
			Seconds:   seconds,
			Formatted: formatUptime(seconds),
		},
		LastEvent: snap.LastEvent,
		Timestamp: formatTimestamp(now),
	}
}

func formatUptime(seconds int64) string {
	return fmt.Sprintf("%dm %ds", seconds/60, seconds%60)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
