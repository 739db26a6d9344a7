// Package tracker drives settlement of the pending pool on a fixed interval
// and keeps an eye on settlement records that ended up unresolved.
package tracker

import (
	"context"
	"errors"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"ticketing/internal/logger"
	"ticketing/internal/settlement"
	"ticketing/internal/storage"
)

type Settler interface {
	Settle(ctx context.Context) (settlement.BatchReport, error)
}

type Records interface {
	GetUnresolvedSettlementRecords() ([]*storage.SettlementRecord, error)
}

type Tracker struct {
	ctx      context.Context
	settler  Settler
	records  Records
	clock    clockwork.Clock
	interval time.Duration
}

func NewTracker(ctx context.Context, settler Settler, records Records, clk clockwork.Clock, interval time.Duration) *Tracker {
	logger.Debug("tracker initialization...", zap.Duration("interval", interval))
	return &Tracker{
		ctx:      ctx,
		settler:  settler,
		records:  records,
		clock:    clk,
		interval: interval,
	}
}

// Run settles one batch. A batch already running elsewhere is not an error;
// a partial batch is logged and reported through its audit records.
func (t *Tracker) Run() (settlement.BatchReport, error) {
	logger.Debug("settling pending pool...")

	report, err := t.settler.Settle(t.ctx)
	switch {
	case err == nil:
	case errors.Is(err, settlement.ErrBatchInProgress):
		logger.Debug("settling pending pool... skipped, batch in progress")
		return report, nil
	case errors.Is(err, settlement.ErrPartialBatch):
		logger.Warn("settlement batch partially failed",
			zap.String("batch", report.BatchID),
			zap.Int("settled", report.Count(storage.SettledOutcome)),
			zap.Int("failed", report.Count(storage.FailedOutcome)),
			zap.Int("malformed", report.Count(storage.MalformedOutcome)),
		)
		return report, nil
	default:
		logger.Error("settlement batch failed", zap.Error(err))
		return report, err
	}

	logger.Debug("settling pending pool... done", zap.String("batch", report.BatchID), zap.Int("records", len(report.Results)))
	return report, nil
}

// Loop settles every interval until the context is cancelled. Failed batches
// do not stop the loop; the next tick tries again.
func (t *Tracker) Loop() {
	for {
		select {
		case <-t.ctx.Done():
			t.Finalize()
			return
		case <-t.clock.After(t.interval):
			_, _ = t.Run()
		}
	}
}

// ReportUnresolved logs every record whose transaction failed after its pool
// key was already deleted. Those need manual attention.
func (t *Tracker) ReportUnresolved() (int, error) {
	records, err := t.records.GetUnresolvedSettlementRecords()
	if err != nil {
		return 0, err
	}

	for _, rec := range records {
		logger.Warn("unresolved settlement record",
			zap.String("batch", rec.BatchID),
			zap.String("pool key", rec.PoolKey),
			zap.String("tx type", rec.TxType),
			zap.String("reason", rec.Reason),
		)
	}
	return len(records), nil
}

func (t *Tracker) Finalize() {
	logger.Info("tracker stopped")
}
