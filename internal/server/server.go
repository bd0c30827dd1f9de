// Package server runs the HTTP front of the gateway: the kernels API,
// the health endpoint, and the metrics exposition, alongside the
// response listener kernels report back to.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	connectcors "connectrpc.com/cors"
	"connectrpc.com/grpchealth"
	"github.com/rs/cors"
	"golang.org/x/sync/errgroup"

	"github.com/otterscale/kernel-provisioner/internal/handler"
	"github.com/otterscale/kernel-provisioner/internal/kernels"
	"github.com/otterscale/kernel-provisioner/internal/metrics"
	"github.com/otterscale/kernel-provisioner/internal/response"
)

const healthServiceName = "kernelprovisioner.v1.KernelService"

// Config carries the runtime settings Run needs.
type Config struct {
	Address        string
	AllowedOrigins []string
}

// Server ties the API handler, the kernel manager, and the response
// listener into one runnable unit.
type Server struct {
	log       *slog.Logger
	handler   *handler.Handler
	manager   *kernels.Manager
	responses *response.Manager
	metrics   *metrics.Metrics
}

func New(h *handler.Handler, manager *kernels.Manager, responses *response.Manager, m *metrics.Metrics, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{log: log, handler: h, manager: manager, responses: responses, metrics: m}
}

// Run starts the response listener and the HTTP server and blocks
// until the context is canceled. Live kernels are shut down as part of
// the teardown.
func (s *Server) Run(ctx context.Context, cfg Config) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.responses.Serve()
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		return s.responses.Close()
	})
	g.Go(func() error {
		defer s.shutdownKernels()
		return s.serveHTTP(ctx, cfg)
	})
	return g.Wait()
}

func (s *Server) serveHTTP(ctx context.Context, cfg Config) error {
	mux := http.NewServeMux()
	s.handler.Mount(mux)
	mux.Handle(grpchealth.NewHandler(grpchealth.NewStaticChecker(healthServiceName)))
	mux.Handle("GET /metrics", s.metrics.Handler())

	// Middleware order: H2C, then CORS, then the mux.
	var h http.Handler = mux
	if len(cfg.AllowedOrigins) == 0 {
		h = cors.AllowAll().Handler(h)
	} else {
		h = cors.New(cors.Options{
			AllowedOrigins:   cfg.AllowedOrigins,
			AllowedMethods:   append(connectcors.AllowedMethods(), http.MethodDelete),
			AllowedHeaders:   connectcors.AllowedHeaders(),
			ExposedHeaders:   connectcors.ExposedHeaders(),
			AllowCredentials: true,
			MaxAge:           7200,
		}).Handler(h)
	}

	protocols := new(http.Protocols)
	protocols.SetHTTP1(true)
	protocols.SetUnencryptedHTTP2(true)

	srv := &http.Server{
		Addr:              cfg.Address,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       5 * time.Minute,
		WriteTimeout:      5 * time.Minute,
		MaxHeaderBytes:    8 * 1024, // 8KiB
		Protocols:         protocols,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	listener, err := net.Listen("tcp", cfg.Address)
	if err != nil {
		return err
	}

	serverErr := make(chan error, 1)
	s.log.Info("server starting",
		"address", listener.Addr().String(),
		"response_address", s.responses.Address(),
		"allowed_origins", cfg.AllowedOrigins,
	)
	go func() {
		if err := srv.Serve(listener); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		return fmt.Errorf("server runtime error: %w", err)

	case <-ctx.Done():
		s.log.Info("gracefully shutting down HTTP server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.Error("graceful shutdown failed, forcing close", "error", err)
			return srv.Close()
		}
		return nil
	}
}

// shutdownKernels stops every live kernel with its own deadline since
// the serve context is already canceled by the time teardown runs.
func (s *Server) shutdownKernels() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	s.manager.ShutdownAll(ctx)
}
