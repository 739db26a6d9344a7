// Package settlement runs the private secondary market. Resale offers and
// rebuy orders are encrypted into a pending pool on the ledger at
// submission time; a settlement batch later drains the pool in a random
// order, so execution order cannot be linked to submission order.
package settlement

import (
	"context"
	crand "crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"ticketing/internal/blockchain"
	"ticketing/internal/config"
	"ticketing/internal/credential"
	"ticketing/internal/logger"
	"ticketing/internal/storage"
)

var (
	// ErrKeyCollision is returned when no free pool key was found within
	// the configured number of attempts.
	ErrKeyCollision = errors.New("pending pool key collision")
	// ErrPartialBatch is returned with the report of a batch in which at
	// least one record failed or an executed record stayed in the pool.
	ErrPartialBatch = errors.New("settlement batch partially failed")
	// ErrBatchInProgress is returned when another batch holds the
	// settlement lease.
	ErrBatchInProgress = errors.New("settlement batch already in progress")
	// ErrLeaseLost is returned when the lease expired and was taken over
	// while a batch was running. The remaining records are left pending.
	ErrLeaseLost = errors.New("settlement lease lost")
)

type Crypto interface {
	Encrypt(ctx context.Context, plaintext string) (string, error)
	Decrypt(ctx context.Context, ciphertext string) (string, error)
}

type Pool interface {
	Write(ctx context.Context, key, value string) error
	Read(ctx context.Context, key string) (string, error)
	List(ctx context.Context) ([]blockchain.Entry, error)
	Delete(ctx context.Context, key string) error
}

type Store interface {
	SaveSettlementRecords(records []*storage.SettlementRecord) error
	GetUndeletedSettledKeys(poolKeys []string) (map[string]bool, error)
	MarkPoolKeysDeleted(poolKeys []string) error
	AcquireLease(name, owner string, now time.Time, ttl time.Duration) (bool, error)
	ReleaseLease(name, owner string) error
}

// Observer is told about settled records and the pool size.
type Observer interface {
	ObserveRecord(outcome string)
	ObservePendingPool(size int)
}

type nopObserver struct{}

func (nopObserver) ObserveRecord(string)   {}
func (nopObserver) ObservePendingPool(int) {}

type Pipeline struct {
	crypto   Crypto
	pool     Pool
	executor *Executor
	store    Store
	clock    clockwork.Clock
	observer Observer

	attempts int
	policy   config.FailurePolicy
	leaseTTL time.Duration
	owner    string

	randMu sync.Mutex
	rand   *rand.Rand

	// batches of this process never overlap
	batchMu sync.Mutex
}

type Option func(*Pipeline)

// WithRand replaces the source used for pool keys and the shuffle.
func WithRand(r *rand.Rand) Option {
	return func(p *Pipeline) { p.rand = r }
}

func WithClock(c clockwork.Clock) Option {
	return func(p *Pipeline) { p.clock = c }
}

func WithObserver(o Observer) Option {
	return func(p *Pipeline) { p.observer = o }
}

func NewPipeline(cfg config.Settlement, crypto Crypto, pool Pool, executor *Executor, store Store, opts ...Option) *Pipeline {
	p := &Pipeline{
		crypto:   crypto,
		pool:     pool,
		executor: executor,
		store:    store,
		clock:    clockwork.NewRealClock(),
		observer: nopObserver{},
		attempts: cfg.PoolKeyAttempts,
		policy:   cfg.FailurePolicy,
		leaseTTL: cfg.LeaseTTL,
		owner:    uuid.NewString(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.rand == nil {
		p.rand = rand.New(rand.NewChaCha8(seed()))
	}
	if p.attempts <= 0 {
		p.attempts = 1
	}
	if p.leaseTTL <= 0 {
		p.leaseTTL = config.Default().Settlement.LeaseTTL
	}
	return p
}

// Submit seals a resale offer or rebuy order and stores it in the pending
// pool. auth must come from a verification made for this request.
func (p *Pipeline) Submit(ctx context.Context, auth credential.Authorization, txType TxType, numTickets int, price float64) (string, error) {
	tx := Transaction{
		Type:            txType,
		EventName:       auth.EventName,
		PublicKey:       auth.PublicKey,
		NumTickets:      numTickets,
		Price:           price,
		EventCredential: auth.EventCredential,
	}
	if err := tx.Validate(); err != nil {
		return "", err
	}

	logger.Debug("sealing secondary transaction...", zap.String("type", string(txType)))
	ciphertext, err := p.crypto.Encrypt(ctx, tx.Encode())
	if err != nil {
		return "", fmt.Errorf("encrypting secondary transaction: %w", err)
	}
	logger.Debug("sealing secondary transaction... done")

	key, err := boundedRetry(p.attempts, ErrKeyCollision, func() (string, error) {
		key := p.newPoolKey()

		existing, err := p.pool.Read(ctx, key)
		if err != nil {
			return "", err
		}
		if existing != "" {
			logger.Warn("pool key already taken", zap.String("key", key))
			return "", ErrKeyCollision
		}

		if err := p.pool.Write(ctx, key, ciphertext); err != nil {
			return "", err
		}
		return key, nil
	})
	if err != nil {
		return "", fmt.Errorf("storing secondary transaction: %w", err)
	}

	logger.Info("secondary transaction submitted", zap.String("key", key))
	return key, nil
}

// RecordResult is the outcome of one pending transaction in a batch.
type RecordResult struct {
	PoolKey    string
	Outcome    storage.SettlementOutcome
	TxType     TxType
	EventName  string
	Reason     string
	KeyDeleted bool
}

type BatchReport struct {
	BatchID string
	Results []RecordResult
	// Cleared lists pool keys of transactions an earlier batch executed
	// but could not remove; this batch removed them without running them.
	Cleared []string
	// Uncleared lists such keys that could still not be removed.
	Uncleared []string
}

func (r BatchReport) Count(outcome storage.SettlementOutcome) int {
	n := 0
	for _, res := range r.Results {
		if res.Outcome == outcome {
			n++
		}
	}
	return n
}

type pending struct {
	key        string
	ciphertext string
	tx         Transaction
	result     RecordResult
	decoded    bool
}

// Settle drains the pending pool: list, shuffle, decrypt, execute, delete.
// A batch with failed records still returns its report, together with
// ErrPartialBatch.
func (p *Pipeline) Settle(ctx context.Context) (BatchReport, error) {
	if !p.batchMu.TryLock() {
		return BatchReport{}, ErrBatchInProgress
	}
	defer p.batchMu.Unlock()

	acquired, err := p.store.AcquireLease(leaseName, p.owner, p.clock.Now(), p.leaseTTL)
	if err != nil {
		return BatchReport{}, fmt.Errorf("acquiring settlement lease: %w", err)
	}
	if !acquired {
		return BatchReport{}, ErrBatchInProgress
	}
	defer func() {
		if err := p.store.ReleaseLease(leaseName, p.owner); err != nil {
			logger.Warn("cannot release settlement lease", zap.Error(err))
		}
	}()

	report := BatchReport{BatchID: uuid.NewString()}
	logger.Info("settling pending pool...", zap.String("batch", report.BatchID))

	entries, err := p.pool.List(ctx)
	if err != nil {
		return report, fmt.Errorf("listing pending pool: %w", err)
	}

	var keys []string
	for _, entry := range entries {
		if strings.HasPrefix(entry.Key, PoolKeyPrefix) {
			keys = append(keys, entry.Key)
		}
	}
	p.observer.ObservePendingPool(len(keys))

	executed, err := p.store.GetUndeletedSettledKeys(keys)
	if err != nil {
		return report, fmt.Errorf("reading settled pool keys: %w", err)
	}

	batch := make([]*pending, 0, len(keys))
	var leftovers []string
	for _, entry := range entries {
		switch {
		case !strings.HasPrefix(entry.Key, PoolKeyPrefix):
		case executed[entry.Key]:
			leftovers = append(leftovers, entry.Key)
		default:
			batch = append(batch, &pending{key: entry.Key, ciphertext: entry.Value, result: RecordResult{PoolKey: entry.Key}})
		}
	}
	p.clearExecuted(ctx, &report, leftovers)

	// execution order must not follow ledger order
	p.shuffle(batch)

	batchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	hb := p.startHeartbeat(batchCtx, cancel)

	var runErr error
	for _, rec := range batch {
		if runErr = p.renewLease(); runErr != nil || batchCtx.Err() != nil {
			break
		}
		p.decrypt(batchCtx, rec)
	}
	for _, rec := range batch {
		if runErr != nil || batchCtx.Err() != nil {
			break
		}
		if runErr = p.renewLease(); runErr != nil {
			break
		}
		p.execute(batchCtx, rec)
	}
	if err := hb.stop(); err != nil && runErr == nil {
		runErr = err
	}

	processed := make([]*storage.SettlementRecord, 0, len(batch))
	undeleted := 0
	for _, rec := range batch {
		if rec.result.Outcome == "" {
			// not reached before the batch was interrupted
			continue
		}
		p.cleanup(ctx, rec)
		if rec.result.Outcome == storage.SettledOutcome && !rec.result.KeyDeleted {
			undeleted++
		}
		report.Results = append(report.Results, rec.result)
		processed = append(processed, p.auditRecord(report.BatchID, rec.result))
		p.observer.ObserveRecord(rec.result.Outcome)
	}

	if err := p.store.SaveSettlementRecords(processed); err != nil {
		logger.Error("cannot persist settlement records", zap.String("batch", report.BatchID), zap.Error(err))
	}

	settled, failed, malformed := report.Count(storage.SettledOutcome), report.Count(storage.FailedOutcome), report.Count(storage.MalformedOutcome)
	logger.Info("settling pending pool... done",
		zap.String("batch", report.BatchID),
		zap.Int("settled", settled),
		zap.Int("failed", failed),
		zap.Int("malformed", malformed),
		zap.Int("undeleted", undeleted+len(report.Uncleared)),
	)

	if runErr != nil {
		return report, runErr
	}
	if failed+malformed+undeleted+len(report.Uncleared) > 0 {
		return report, ErrPartialBatch
	}
	return report, nil
}

// clearExecuted removes the keys of transactions that an earlier batch
// already executed. They are never run again.
func (p *Pipeline) clearExecuted(ctx context.Context, report *BatchReport, keys []string) {
	var cleared []string
	for _, key := range keys {
		if err := p.pool.Delete(ctx, key); err != nil {
			logger.Error("cannot remove executed transaction", zap.String("key", key), zap.Error(err))
			report.Uncleared = append(report.Uncleared, key)
			continue
		}
		logger.Info("executed transaction removed from the pending pool", zap.String("key", key))
		cleared = append(cleared, key)
	}
	report.Cleared = cleared

	if err := p.store.MarkPoolKeysDeleted(cleared); err != nil {
		logger.Error("cannot mark pool keys deleted", zap.Strings("keys", cleared), zap.Error(err))
	}
}

func (p *Pipeline) decrypt(ctx context.Context, rec *pending) {
	plaintext, err := p.crypto.Decrypt(ctx, rec.ciphertext)
	if err != nil {
		if ctx.Err() != nil {
			logger.Warn("decryption interrupted", zap.String("key", rec.key))
			return
		}
		rec.result.Outcome = storage.FailedOutcome
		rec.result.Reason = "decrypt: " + err.Error()
		logger.Warn("cannot decrypt pending transaction", zap.String("key", rec.key), zap.Error(err))
		return
	}

	tx, err := DecodeTransaction(plaintext)
	if err != nil {
		rec.result.Outcome = storage.MalformedOutcome
		rec.result.Reason = err.Error()
		logger.Warn("malformed pending transaction", zap.String("key", rec.key), zap.Error(err))
		return
	}

	rec.tx = tx
	rec.decoded = true
	rec.result.TxType = tx.Type
	rec.result.EventName = tx.EventName
}

func (p *Pipeline) execute(ctx context.Context, rec *pending) {
	if !rec.decoded {
		return
	}

	receipt, deleted, err := p.executor.Execute(ctx, rec.key, rec.tx)
	if err != nil {
		if ctx.Err() != nil {
			// the command may or may not have committed; the key stays
			logger.Warn("secondary transaction interrupted", zap.String("key", rec.key), zap.Error(err))
			return
		}
		rec.result.Outcome = storage.FailedOutcome
		rec.result.Reason = err.Error()
		logger.Warn("secondary transaction failed", zap.String("key", rec.key), zap.String("type", string(rec.tx.Type)), zap.Error(err))
		return
	}

	rec.result.Outcome = storage.SettledOutcome
	rec.result.KeyDeleted = deleted
	if !deleted {
		rec.result.Reason = "executed but not removed from the pending pool"
	}
	logger.Debug("secondary transaction settled", zap.String("key", rec.key), zap.String("tx", receipt.TxCount))
}

// cleanup removes the pool key of a record unless it is already gone or the
// failure policy keeps it for the next batch. Malformed records are always
// removed.
func (p *Pipeline) cleanup(ctx context.Context, rec *pending) {
	switch {
	case rec.result.KeyDeleted:
		return
	case rec.result.Outcome == storage.FailedOutcome && p.policy == config.FailurePolicyRetain:
		return
	}

	if err := p.pool.Delete(ctx, rec.key); err != nil {
		logger.Error("cannot remove pending transaction", zap.String("key", rec.key), zap.Error(err))
		rec.result.Reason += "; delete: " + err.Error()
		return
	}
	rec.result.KeyDeleted = true

	switch rec.result.Outcome {
	case storage.SettledOutcome:
		rec.result.Reason = ""
	case storage.FailedOutcome:
		logger.Error("secondary transaction abandoned", zap.String("key", rec.key), zap.String("reason", rec.result.Reason))
	}
}

// heartbeat renews the settlement lease while a batch runs, so a slow
// collaborator call cannot outlive it.
type heartbeat struct {
	done    chan struct{}
	stopped chan struct{}
	err     error
}

// startHeartbeat renews the lease every third of its TTL. Losing it cancels
// the batch.
func (p *Pipeline) startHeartbeat(ctx context.Context, cancel context.CancelFunc) *heartbeat {
	hb := &heartbeat{done: make(chan struct{}), stopped: make(chan struct{})}
	ticker := p.clock.NewTicker(p.leaseTTL / 3)

	go func() {
		defer close(hb.stopped)
		defer ticker.Stop()
		for {
			select {
			case <-hb.done:
				return
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				if err := p.renewLease(); err != nil {
					logger.Error("settlement lease lost during batch", zap.Error(err))
					hb.err = err
					cancel()
					return
				}
			}
		}
	}()
	return hb
}

// stop ends the renewals and reports why the lease was lost, if it was.
func (hb *heartbeat) stop() error {
	close(hb.done)
	<-hb.stopped
	return hb.err
}

func (p *Pipeline) renewLease() error {
	acquired, err := p.store.AcquireLease(leaseName, p.owner, p.clock.Now(), p.leaseTTL)
	if err != nil {
		return fmt.Errorf("renewing settlement lease: %w", err)
	}
	if !acquired {
		return ErrLeaseLost
	}
	return nil
}

func (p *Pipeline) auditRecord(batchID string, res RecordResult) *storage.SettlementRecord {
	return &storage.SettlementRecord{
		BatchID:    batchID,
		PoolKey:    res.PoolKey,
		Outcome:    res.Outcome,
		TxType:     string(res.TxType),
		EventName:  res.EventName,
		Reason:     res.Reason,
		KeyDeleted: res.KeyDeleted,
		SettledAt:  p.clock.Now().UnixMilli(),
	}
}

func (p *Pipeline) newPoolKey() string {
	p.randMu.Lock()
	defer p.randMu.Unlock()
	return PoolKeyPrefix + strconv.FormatInt(p.rand.Int64N(MaxPoolID+1), 10)
}

func (p *Pipeline) shuffle(batch []*pending) {
	p.randMu.Lock()
	defer p.randMu.Unlock()
	p.rand.Shuffle(len(batch), func(i, j int) { batch[i], batch[j] = batch[j], batch[i] })
}

func seed() [32]byte {
	var s [32]byte
	if _, err := crand.Read(s[:]); err != nil {
		// crypto/rand does not fail on supported platforms
		binary.LittleEndian.PutUint64(s[:], uint64(time.Now().UnixNano()))
	}
	return s
}
