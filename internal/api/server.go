package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/nerrad567/hwm-core/internal/audit"
	"github.com/nerrad567/hwm-core/internal/auth"
	"github.com/nerrad567/hwm-core/internal/command"
	"github.com/nerrad567/hwm-core/internal/device"
	"github.com/nerrad567/hwm-core/internal/driver"
	"github.com/nerrad567/hwm-core/internal/infrastructure/config"
	"github.com/nerrad567/hwm-core/internal/infrastructure/logging"
	"github.com/nerrad567/hwm-core/internal/pipeline"
	"github.com/nerrad567/hwm-core/internal/session"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// Devices is the device manager surface used by the API.
type Devices interface {
	List() []device.Info
	Get(id string) (*device.Handle, error)
	SetStatus(id string, status driver.Status) error
}

// Pipelines is the pipeline manager surface used by the API.
type Pipelines interface {
	List() []pipeline.Pipeline
	Get(id string) (*pipeline.Pipeline, error)
}

// Sessions is the coordinator surface used by the API.
type Sessions interface {
	Request(ctx context.Context, userID, pipelineID string, iv session.Interval, opts ...session.RequestOption) (*session.Session, error)
	Cancel(ctx context.Context, sessionID string) (*session.Session, error)
	Get(ctx context.Context, sessionID string) (*session.Session, error)
	List(f session.Filter) []session.Session
	Schedule(pipelineID string) []session.Session
}

// Commands dispatches commands.
type Commands interface {
	Dispatch(ctx context.Context, cmd *command.Command) (*command.Response, error)
	WriteStream(ctx context.Context, userID, sessionID string, data []byte) error
	SystemCommands() []string
}

// PermissionReloader re-reads the grant source.
type PermissionReloader interface {
	Refresh(ctx context.Context) (int, error)
}

// Authenticator checks operator credentials and tokens.
type Authenticator interface {
	Login(username, password string) (string, time.Time, auth.Operator, error)
	Verify(token string) (*auth.Claims, error)
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config  config.APIConfig
	WS      config.WebSocketConfig
	Metrics config.MetricsConfig
	Logger  *logging.Logger

	Devices     Devices
	Pipelines   Pipelines
	Sessions    Sessions
	Commands    Commands
	Auth        Authenticator
	Audit       audit.Repository   // optional
	Permissions PermissionReloader // optional

	// MetricsHandler is mounted at Metrics.Path when metrics are enabled.
	MetricsHandler http.Handler

	// Hub is used instead of a new one when set, so event sinks can be
	// wired before the server starts.
	Hub *Hub

	Version string
}

// Server is the HTTP API server for HWM Core.
//
// It manages the HTTP listener, routes, middleware, and WebSocket hub.
// The server is created with New() and started with Start().
type Server struct {
	cfg            config.APIConfig
	wsCfg          config.WebSocketConfig
	metricsCfg     config.MetricsConfig
	logger         *logging.Logger
	devices        Devices
	pipelines      Pipelines
	sessions       Sessions
	commands       Commands
	auth           Authenticator
	audit          audit.Repository
	permissions    PermissionReloader
	metricsHandler http.Handler
	version        string

	hub     *Hub
	tickets *ticketStore
	server  *http.Server
	addr    net.Addr
	cancel  context.CancelFunc
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
func New(deps Deps) (*Server, error) {
	switch {
	case deps.Logger == nil:
		return nil, fmt.Errorf("logger is required")
	case deps.Devices == nil:
		return nil, fmt.Errorf("device manager is required")
	case deps.Pipelines == nil:
		return nil, fmt.Errorf("pipeline manager is required")
	case deps.Sessions == nil:
		return nil, fmt.Errorf("session coordinator is required")
	case deps.Commands == nil:
		return nil, fmt.Errorf("command dispatcher is required")
	case deps.Auth == nil:
		return nil, fmt.Errorf("authenticator is required")
	}

	hub := deps.Hub
	if hub == nil {
		hub = NewHub(deps.WS, deps.Logger)
	}

	return &Server{
		cfg:            deps.Config,
		wsCfg:          deps.WS,
		metricsCfg:     deps.Metrics,
		logger:         deps.Logger,
		devices:        deps.Devices,
		pipelines:      deps.Pipelines,
		sessions:       deps.Sessions,
		commands:       deps.Commands,
		auth:           deps.Auth,
		audit:          deps.Audit,
		permissions:    deps.Permissions,
		metricsHandler: deps.MetricsHandler,
		version:        deps.Version,
		hub:            hub,
		tickets:        newTicketStore(),
	}, nil
}

// Hub returns the WebSocket hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Handler returns the routed HTTP handler without starting a listener.
func (s *Server) Handler() http.Handler {
	return s.buildRouter()
}

// Start binds the listener and serves in a background goroutine. Binding
// happens synchronously so a port in use is reported here.
func (s *Server) Start(ctx context.Context) error {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	go s.hub.Run(srvCtx)
	go s.tickets.cleanLoop(srvCtx)

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
		s.cancel()
		return fmt.Errorf("listening on %s: %w", s.server.Addr, err)
	}
	s.addr = ln.Addr()

	go func() {
		var err error
		if s.cfg.TLS.Enabled {
			s.logger.Info("API server starting with TLS", "address", s.addr.String(), "cert", s.cfg.TLS.CertFile)
			err = s.server.ServeTLS(ln, s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			s.logger.Info("API server starting", "address", s.addr.String())
			err = s.server.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Addr returns the bound listener address, nil before Start.
func (s *Server) Addr() net.Addr {
	return s.addr
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}
	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
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
	if s.server == nil {
		return fmt.Errorf("api server not started")
	}
	return nil
}
