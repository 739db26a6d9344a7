package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"ticketing/internal/config"
	"ticketing/internal/logger"
	"ticketing/internal/settlement"
	"ticketing/internal/tracker"
)

func main() {
	app := &cli.App{
		Name:  "ticketd",
		Usage: "ticketing service with credentialed access and a private secondary market",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "env-file",
				Value: ".env",
				Usage: "environment file loaded before reading configuration",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "overrides LOG_LEVEL",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "serves the HTTP API and settles the pending pool periodically",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "addr",
						Usage: "overrides HTTP_ADDR",
					},
					&cli.DurationFlag{
						Name:  "settle-interval",
						Usage: "overrides SETTLEMENT_INTERVAL, 0 disables periodic settlement",
					},
				},
				Action: serve,
			},
			{
				Name:   "settle",
				Usage:  "settles one batch of the pending pool and prints its report",
				Action: settleOnce,
			},
			{
				Name:   "unresolved",
				Usage:  "lists settlement records that failed after their pool key was deleted",
				Action: unresolved,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setup loads configuration, initializes the logger and wires the
// application.
func setup(c *cli.Context) (*application, error) {
	cfg, err := config.Load(c.String("env-file"))
	if err != nil {
		return nil, err
	}
	if level := c.String("log-level"); level != "" {
		cfg.Log.Level = level
	}
	if addr := c.String("addr"); addr != "" {
		cfg.HTTP.Addr = addr
	}
	if c.IsSet("settle-interval") {
		cfg.Settlement.Interval = c.Duration("settle-interval")
	}

	logger.Initialize(logger.Configuration{
		LogFile:   cfg.Log.File,
		ErrorFile: cfg.Log.ErrorFile,
		Level:     cfg.Log.Level,
		Console:   cfg.Log.Console,
	})

	return newApplication(cfg)
}

func serve(c *cli.Context) error {
	app, err := setup(c)
	if err != nil {
		return err
	}
	defer logger.Sync()
	defer app.Close()

	ctx, cancel := context.WithCancel(c.Context)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)

	server := &http.Server{
		Addr:              app.cfg.HTTP.Addr,
		Handler:           app.server.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.Go(func() error {
		logger.Info("http server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	trk := tracker.NewTracker(ctx, app.pipeline, app.store, clockwork.NewRealClock(), app.cfg.Settlement.Interval)
	if n, err := trk.ReportUnresolved(); err != nil {
		logger.Warn("reading unresolved settlement records", zap.Error(err))
	} else if n > 0 {
		logger.Warn("unresolved settlement records found", zap.Int("count", n))
	}

	if app.cfg.Settlement.Interval > 0 {
		g.Go(func() error {
			trk.Loop()
			return nil
		})
	}

	g.Go(func() error {
		select {
		case <-ctx.Done():
		case <-waitForInterrupt():
			logger.Info("interrupt received, shutting down")
			cancel()
		}

		shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
		defer done()
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func settleOnce(c *cli.Context) error {
	app, err := setup(c)
	if err != nil {
		return err
	}
	defer logger.Sync()
	defer app.Close()

	report, err := app.tickets.Settle(c.Context)
	if err != nil && !errors.Is(err, settlement.ErrPartialBatch) {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if encErr := enc.Encode(report); encErr != nil {
		return encErr
	}
	return err
}

func unresolved(c *cli.Context) error {
	app, err := setup(c)
	if err != nil {
		return err
	}
	defer logger.Sync()
	defer app.Close()

	records, err := app.store.GetUnresolvedSettlementRecords()
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(records)
}

func waitForInterrupt() <-chan os.Signal {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	return sigCh
}
