package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/clusterfabric/plb/internal/engine"
	"github.com/clusterfabric/plb/internal/system"
	"github.com/clusterfabric/plb/pkg/logger"
)

// Service wraps NewRouter in an http.Server and fits the system manager
// lifecycle.
type Service struct {
	addr    string
	server  *http.Server
	handler http.Handler
	log     *logger.Logger
}

var _ system.Service = (*Service)(nil)
var _ system.DescriptorProvider = (*Service)(nil)

func NewService(eng *engine.Engine, manager *system.Manager, addr string, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("httpapi")
	}
	return &Service{
		addr:    addr,
		handler: NewRouter(eng, manager, log),
		log:     log,
	}
}

func (s *Service) Name() string { return "httpapi" }

func (s *Service) Descriptor() system.Descriptor {
	return system.Descriptor{
		Name:         "httpapi",
		Layer:        system.LayerIngress,
		Capabilities: []string{"ingress", "query", "movement-stream"},
	}
}

func (s *Service) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.WithError(err).Error("http server error")
		}
	}()
	return nil
}

func (s *Service) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}
