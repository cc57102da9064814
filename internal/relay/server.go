package relay

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/phantomhost/phantomctl/internal/auth"
	"github.com/phantomhost/phantomctl/internal/observability"
	"github.com/phantomhost/phantomctl/internal/presence"
)

// ServerConfig configures one relay instance.
type ServerConfig struct {
	RelayID     string
	ListenAddr  string
	CorsOrigins []string

	// NodeToken fences the node-facing /v1 endpoints when set.
	NodeToken string

	// FallbackOrigin is the canonical direct copy served when rendezvous
	// fails retryably. Empty disables fallback.
	FallbackOrigin string

	// IngressDeadline bounds the whole ingress round trip. It must leave
	// headroom beyond the broker's enqueue timeout for the fallback path.
	IngressDeadline time.Duration

	Broker BrokerConfig
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		RelayID:         "relay.local",
		ListenAddr:      ":9400",
		IngressDeadline: 12 * time.Second,
		Broker:          DefaultBrokerConfig(),
	}
}

// Server hosts the broker behind the gin surface.
type Server struct {
	cfg      ServerConfig
	broker   *Broker
	router   *gin.Engine
	fallback *http.Client
	appeared time.Time
}

// Appear constructs the relay server with the codebase's standard
// middleware stack.
func Appear(cfg ServerConfig) *Server {
	def := DefaultServerConfig()
	if strings.TrimSpace(cfg.RelayID) == "" {
		cfg.RelayID = def.RelayID
	}
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		cfg.ListenAddr = def.ListenAddr
	}
	if cfg.IngressDeadline <= 0 {
		cfg.IngressDeadline = def.IngressDeadline
	}

	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger))
	r.Use(observability.RequestMetricsMiddleware(cfg.RelayID))
	if len(cfg.CorsOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins: cfg.CorsOrigins,
			AllowMethods: []string{"GET", "POST", "PUT", "DELETE", "HEAD", "OPTIONS"},
			AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
			MaxAge:       12 * time.Hour,
		}))
	}
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{
		cfg:      cfg,
		broker:   NewBroker(cfg.Broker, presence.NewRegistry()),
		router:   r,
		fallback: &http.Client{Timeout: 5 * time.Second},
		appeared: time.Now(),
	}
	s.registerRoutes()
	return s
}

// Broker exposes the rendezvous core, mostly for tests and embedding.
func (s *Server) Broker() *Broker {
	return s.broker
}

// Router exposes the gin engine for in-process serving.
func (s *Server) Router() *gin.Engine {
	return s.router
}

func (s *Server) nodeValidator() auth.Validator {
	if strings.TrimSpace(s.cfg.NodeToken) == "" {
		return auth.AllowAll{}
	}
	return auth.StaticToken{Token: s.cfg.NodeToken}
}

// Run serves until ctx ends, then shuts down and closes the broker.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.cfg.ListenAddr,
		Handler: s.router,
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.ListenAndServe()
	}()
	log.Warn().Str("addr", s.cfg.ListenAddr).Str("relay_id", s.cfg.RelayID).Msg("relay_listening")

	select {
	case err := <-serveErr:
		s.broker.Close()
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		s.broker.Close()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
