package main

import (
	"context"
	"net/http"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/desertthunder/tunegate/internal/server"
	"github.com/desertthunder/tunegate/internal/shared"
)

// Serve runs the HTTP gateway until the process is interrupted.
func (r *Runner) Serve(ctx context.Context, cmd *cli.Command) error {
	if err := r.prepare(cmd); err != nil {
		return err
	}

	a, err := r.build(ctx)
	if err != nil {
		return err
	}

	handler := r.routes(a)

	addr := cmd.String("addr")
	if addr == "" {
		addr = r.config.Server.Addr()
	}

	srv := server.NewServer(addr, handler, shared.WithLogger(r.logger, "component", "server"), a)
	return srv.Run(ctx)
}

// routes builds the router with every API route and, for the local backend, the media file server.
func (r *Runner) routes(a *app) http.Handler {
	logger := shared.WithLogger(r.logger, "component", "http")

	router := server.NewBasicRouter()
	router.Use(server.RequestID(), server.Logging(logger), server.Recover(logger))

	api := &server.API{
		Gateway:        a.gateway,
		Limiters:       a.limiters,
		Metrics:        a.metrics,
		DB:             a.db,
		RequestTimeout: r.config.Server.RequestTimeout,
		Logger:         logger,
	}
	if a.pool != nil {
		api.Pool = a.pool
	}
	api.Register(router)

	backend := strings.ToLower(r.config.Storage.Backend)
	if backend == "" || backend == "local" {
		router.Handler(server.NewMediaHandler(r.config.Storage.Local.Dir))
	}
	logger.Debug("routes registered", "routes", router.Routes())
	return router
}
