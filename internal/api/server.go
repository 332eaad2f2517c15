package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/nerrad567/devgate/internal/device"
	"github.com/nerrad567/devgate/internal/infrastructure/config"
	"github.com/nerrad567/devgate/internal/infrastructure/database"
	"github.com/nerrad567/devgate/internal/infrastructure/logging"
	"github.com/nerrad567/devgate/internal/proxy"
	"github.com/nerrad567/devgate/internal/worker"
)

// gracefulShutdownTimeout bounds how long Close waits for in-flight requests.
const gracefulShutdownTimeout = 10 * time.Second

// Controller is the worker lifecycle surface the API drives.
type Controller interface {
	Start(ctx context.Context, hash string) (worker.Snapshot, error)
	Stop(ctx context.Context, hash string, graceful bool) error
	Restart(ctx context.Context, hash string) (worker.Snapshot, error)
	Get(hash string) (worker.Snapshot, bool)
	NextRestart(hash string) (time.Time, bool)
	LiveCount() int
}

// Proxy forwards requests to a device's worker.
type Proxy interface {
	Route(ctx context.Context, hash string, req proxy.Request) (*proxy.Response, error)
	Forget(hash string)
	LoginPath() string
}

// Gauge reports a single count for /metrics.
type Gauge interface {
	Connected() int
}

// PortUsage reports allocator occupancy for /metrics.
type PortUsage interface {
	InUse() int
	Capacity() int
}

// Connectivity reports whether an optional backend is reachable.
type Connectivity interface {
	IsConnected() bool
}

// Deps holds the API server's collaborators. Mirror, Ports, DB, MQTT and
// InfluxDB are optional and only feed /metrics.
type Deps struct {
	Config   config.APIConfig
	WS       config.WebSocketConfig
	Security config.SecurityConfig
	Logger   *logging.Logger
	Registry *device.Registry
	Workers  Controller
	Proxy    Proxy
	Hub      *Hub
	Mirror   Gauge
	Ports    PortUsage
	DB       *database.DB
	MQTT     Connectivity
	InfluxDB Connectivity
	Version  string
}

// Server is the devgate HTTP API server.
type Server struct {
	cfg      config.APIConfig
	wsCfg    config.WebSocketConfig
	secCfg   config.SecurityConfig
	logger   *logging.Logger
	registry *device.Registry
	workers  Controller
	proxy    Proxy
	hub      *Hub
	mirror   Gauge
	ports    PortUsage
	db       *database.DB
	mqtt     Connectivity
	influx   Connectivity
	version  string

	startTime time.Time

	mu     sync.Mutex
	server *http.Server
	addr   string
	cancel context.CancelFunc
}

// New validates deps and builds a server. Nothing listens until Start.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Registry == nil {
		return nil, fmt.Errorf("device registry is required")
	}
	if deps.Workers == nil {
		return nil, fmt.Errorf("worker controller is required")
	}
	if deps.Proxy == nil {
		return nil, fmt.Errorf("proxy router is required")
	}

	hub := deps.Hub
	if hub == nil {
		hub = NewHub(deps.WS, deps.Logger)
	}

	return &Server{
		cfg:       deps.Config,
		wsCfg:     deps.WS,
		secCfg:    deps.Security,
		logger:    deps.Logger,
		registry:  deps.Registry,
		workers:   deps.Workers,
		proxy:     deps.Proxy,
		hub:       hub,
		mirror:    deps.Mirror,
		ports:     deps.Ports,
		db:        deps.DB,
		mqtt:      deps.MQTT,
		influx:    deps.InfluxDB,
		version:   deps.Version,
		startTime: time.Now(),
	}, nil
}

// Hub returns the realtime hub, which doubles as the events.Publisher
// handed to the controller and the mirror.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Handler returns the routed handler without starting a listener.
func (s *Server) Handler() http.Handler {
	return s.buildRouter()
}

// Start binds the listener and serves in the background. The bind happens
// synchronously so a port conflict is returned to the caller.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server != nil {
		return fmt.Errorf("api server already started")
	}

	srvCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	go s.hub.Run(srvCtx)

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		cancel()
		s.server = nil
		return fmt.Errorf("listening on %s:%d: %w", s.cfg.Host, s.cfg.Port, err)
	}
	s.addr = ln.Addr().String()

	srv := s.server
	go func() {
		var err error
		if s.cfg.TLS.Enabled {
			s.logger.Info("API server starting with TLS", "address", s.addr, "cert", s.cfg.TLS.CertFile)
			err = srv.ServeTLS(ln, s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			s.logger.Info("API server starting", "address", s.addr)
			err = srv.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound listener address once started.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Close stops the hub and waits up to gracefulShutdownTimeout for in-flight
// requests.
func (s *Server) Close() error {
	s.mu.Lock()
	srv, cancel := s.server, s.cancel
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	if cancel != nil {
		cancel()
	}

	ctx, done := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer done()

	s.logger.Info("API server shutting down")
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck reports whether the server has been started.
func (s *Server) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("api health check: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server == nil {
		return fmt.Errorf("api server not started")
	}
	return nil
}
