package api

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/nerrad567/dragon-core/internal/audit"
	"github.com/nerrad567/dragon-core/internal/dragon"
	"github.com/nerrad567/dragon-core/internal/infrastructure/config"
	"github.com/nerrad567/dragon-core/internal/infrastructure/logging"
	"github.com/nerrad567/dragon-core/internal/journal"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// ConnectionStatus is satisfied by the MQTT client.
type ConnectionStatus interface {
	IsConnected() bool
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config   config.APIConfig
	WS       config.WebSocketConfig
	Security config.SecurityConfig
	Logger   *logging.Logger

	// Device is required. It is normally the supervisor.
	Device   dragon.Controller
	DeviceID string

	// Optional collaborators. A nil Journal answers history routes with
	// 503, a nil Metrics leaves /metrics unrouted.
	Journal journal.Repository
	Metrics http.Handler
	MQTT    ConnectionStatus
	DB      *sql.DB

	// Audit receives one entry per operate command. AuditLog backs
	// GET /audit; nil answers it with 503.
	Audit    audit.Recorder
	AuditLog audit.Repository

	// Ports lists serial ports. Default: dragon.ListPorts.
	Ports func() ([]dragon.PortInfo, error)

	// Hub is used instead of a server-owned one when set, so the daemon
	// can register it as a device observer before the server starts.
	Hub *Hub

	Version string
}

// Server is the HTTP API server for dragon-core.
//
// It manages the HTTP listener, routes, middleware, and WebSocket hub.
// The server is created with New() and started with Start().
type Server struct {
	cfg         config.APIConfig
	wsCfg       config.WebSocketConfig
	secCfg      config.SecurityConfig
	logger      *logging.Logger
	device      dragon.Controller
	deviceID    string
	journal     journal.Repository
	metrics     http.Handler
	mqtt        ConnectionStatus
	db          *sql.DB
	audit       audit.Recorder
	auditLog    audit.Repository
	ports       func() ([]dragon.PortInfo, error)
	version     string
	startTime   time.Time
	tickets     *ticketStore
	server      *http.Server
	hub         *Hub
	externalHub bool
	cancel      context.CancelFunc
	mu          sync.Mutex
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if deps.Device == nil {
		return nil, errors.New("device controller is required")
	}

	s := &Server{
		cfg:       deps.Config,
		wsCfg:     deps.WS,
		secCfg:    deps.Security,
		logger:    deps.Logger,
		device:    deps.Device,
		deviceID:  deps.DeviceID,
		journal:   deps.Journal,
		metrics:   deps.Metrics,
		mqtt:      deps.MQTT,
		db:        deps.DB,
		audit:     deps.Audit,
		auditLog:  deps.AuditLog,
		ports:     deps.Ports,
		version:   deps.Version,
		startTime: time.Now(),
		tickets:   newTicketStore(),
	}
	if s.ports == nil {
		s.ports = dragon.ListPorts
	}

	if deps.Hub != nil {
		s.hub = deps.Hub
		s.externalHub = true
	} else {
		s.hub = NewHub(deps.WS, deps.Logger)
	}

	return s, nil
}

// Hub returns the server's WebSocket hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Handler returns the routed handler without starting a listener.
func (s *Server) Handler() http.Handler {
	return s.buildRouter()
}

// Start begins listening for HTTP connections.
//
// It starts the WebSocket hub (unless injected), the ticket cleanup loop
// and the HTTP listener in background goroutines. The server can be
// stopped with Close().
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server != nil {
		return errors.New("api server already started")
	}

	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	if !s.externalHub {
		go s.hub.Run(srvCtx)
	}

	go s.tickets.run(srvCtx)

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}
	srv := s.server

	go func() {
		var err error
		if s.cfg.TLS.Enabled {
			s.logger.Info("API server starting with TLS",
				"address", srv.Addr,
				"cert", s.cfg.TLS.CertFile,
			)
			err = srv.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			s.logger.Info("API server starting", "address", srv.Addr)
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server == nil {
		return nil
	}

	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	err := s.server.Shutdown(ctx)
	s.server = nil
	if err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server == nil {
		return errors.New("api server not started")
	}

	return nil
}
