package main

import (
	"fmt"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"ticketing/internal/api"
	"ticketing/internal/blockchain"
	"ticketing/internal/collaborator"
	"ticketing/internal/config"
	"ticketing/internal/credential"
	"ticketing/internal/dkg"
	"ticketing/internal/logger"
	"ticketing/internal/metrics"
	"ticketing/internal/mpc"
	"ticketing/internal/settlement"
	"ticketing/internal/storage"
	"ticketing/internal/tickets"
)

type application struct {
	cfg      config.Config
	store    *storage.SqliteStorage
	metrics  *metrics.Metrics
	pipeline *settlement.Pipeline
	tickets  *tickets.Service
	server   *api.Server
}

func newApplication(cfg config.Config) (*application, error) {
	logger.Debug("application initialization: storage...", zap.String("path", cfg.DatabasePath))
	store, err := storage.NewSqliteStorage(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}

	m := metrics.New()
	runner := collaborator.ExecRunner{}
	clk := clockwork.NewRealClock()

	logger.Debug("application initialization: collaborator gateways...")
	committee := dkg.New(cfg, runner, m)
	hasher := mpc.New(cfg, runner, m)
	ledger := blockchain.New(cfg, runner, collaborator.FileLog{Path: cfg.Ledger.OutputLog}, clk, m)

	credentials := credential.NewManager(committee, hasher, store)
	pipeline := settlement.NewPipeline(
		cfg.Settlement,
		committee,
		ledger,
		settlement.NewExecutor(ledger),
		store,
		settlement.WithClock(clk),
		settlement.WithObserver(m),
	)
	service := tickets.NewService(credentials, ledger, pipeline, store)

	server := api.NewServer(cfg.HTTP, api.Dependencies{
		Users:       store,
		Credentials: credentials,
		Cipher:      committee,
		Tickets:     service,
		Values:      ledger,
		Observer:    m,
		Metrics:     m.Handler(),
	})

	logger.Debug("application initialization... done")
	return &application{
		cfg:      cfg,
		store:    store,
		metrics:  m,
		pipeline: pipeline,
		tickets:  service,
		server:   server,
	}, nil
}

func (a *application) Close() {
	if err := a.store.Close(); err != nil {
		logger.Warn("closing storage", zap.Error(err))
	}
}
