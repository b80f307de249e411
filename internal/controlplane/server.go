package controlplane

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/openmined/watchback/internal/config"
	"github.com/openmined/watchback/internal/controlplane/handlers"
	"github.com/openmined/watchback/internal/controlplane/middleware"
	"github.com/openmined/watchback/internal/runtime"
	"github.com/openmined/watchback/internal/utils"
)

// Server is the local HTTP control plane of the daemon.
type Server struct {
	config *config.HTTPConfig
	server *http.Server
	mgr    *runtime.Manager
	// canceled on Stop so hijacked event streams end too
	cancel context.CancelFunc
}

func NewServer(cfg *config.HTTPConfig, mgr *runtime.Manager, profiles handlers.ProfileLoader) (*Server, error) {
	if cfg == nil || mgr == nil {
		return nil, errors.New("control plane needs a config and a manager")
	}
	if cfg.Addr == "" {
		return nil, fmt.Errorf("%w: empty http addr", config.ErrConfigInvalid)
	}

	routes := SetupRoutes(mgr, &RouteConfig{
		Auth:      middleware.TokenAuthConfig{Token: cfg.Token},
		RateLimit: cfg.RateLimit,
		Profiles:  profiles,
	})

	baseCtx, cancel := context.WithCancel(context.Background())
	httpServer := &http.Server{
		Addr:        cfg.Addr,
		Handler:     routes,
		BaseContext: func(net.Listener) context.Context { return baseCtx },
		// Timeouts to prevent slow client attacks
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      10 * time.Minute,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MB
	}

	return &Server{
		config: cfg,
		server: httpServer,
		mgr:    mgr,
		cancel: cancel,
	}, nil
}

// Start serves until Stop is called.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("control plane listen: %w", err)
	}
	return s.Serve(ln)
}

// Serve serves on an existing listener.
func (s *Server) Serve(ln net.Listener) error {
	slog.Info("control plane start", "addr", fmt.Sprintf("http://%s", ln.Addr()), "token", utils.MaskSecret(s.config.Token))
	if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("control plane serve: %w", err)
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	slog.Info("control plane stop")
	defer s.cancel()
	return s.server.Shutdown(ctx)
}
