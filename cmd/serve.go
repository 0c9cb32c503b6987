package cmd

import (
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/inference-sim/batchserve/api"
	"github.com/inference-sim/batchserve/serve"
	"github.com/inference-sim/batchserve/serve/metrics"
)

var (
	serveFlags       engineFlags
	serveAddr        string
	serveReadTimeout time.Duration
)

// serveCmd runs the engine behind the HTTP API until interrupted.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the generation API over HTTP",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := serveFlags.resolve(cmd)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("addr") {
			cfg.Server.Address = serveAddr
		}
		if cmd.Flags().Changed("read-timeout") {
			cfg.Server.ReadTimeout = serveReadTimeout
		}

		registry := prometheus.NewRegistry()
		exporter, err := metrics.NewExporter(registry)
		if err != nil {
			return err
		}
		engine, _, err := buildEngine(cfg, serve.WithObserver(exporter))
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		loopDone := make(chan error, 1)
		go func() {
			loopDone <- engine.Run(ctx)
		}()

		e := echo.New()
		e.Use(middleware.RequestLogger())
		e.Use(middleware.Recover())
		api.NewServer(engine, promhttp.HandlerFor(registry, promhttp.HandlerOpts{})).Register(e)

		logrus.Infof("listening on %s (backend=%s, %d blocks x %d tokens)",
			cfg.Server.Address, cfg.Backend.Name, cfg.Capacity.TotalBlocks, cfg.Capacity.BlockSizeTokens)
		sc := echo.StartConfig{
			Address: cfg.Server.Address,
			BeforeServeFunc: func(srv *http.Server) error {
				srv.ReadHeaderTimeout = cfg.Server.ReadTimeout
				return nil
			},
		}
		serveErr := sc.Start(ctx, e)
		if errors.Is(serveErr, http.ErrServerClosed) {
			serveErr = nil
		}

		// the server is down either way; stop the loop and drain what is left
		stop()
		if err := <-loopDone; err != nil {
			return err
		}
		m := engine.Metrics()
		logrus.Infof("shut down after %d steps, %d requests submitted", m.Steps, m.Submitted)
		return serveErr
	},
}
