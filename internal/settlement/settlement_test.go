package settlement

import (
	"context"
	"errors"
	"math/rand/v2"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"ticketing/internal/blockchain"
	"ticketing/internal/collaborator"
	"ticketing/internal/config"
	"ticketing/internal/credential"
	"ticketing/internal/storage"
)

type fakeCrypto struct {
	failDecrypt map[string]bool
	// when set, Decrypt signals started and waits for release or cancellation
	started chan struct{}
	release chan struct{}
}

func (c *fakeCrypto) Encrypt(_ context.Context, plaintext string) (string, error) {
	return "enc(" + plaintext + ")", nil
}

func (c *fakeCrypto) Decrypt(ctx context.Context, ciphertext string) (string, error) {
	if c.release != nil {
		c.started <- struct{}{}
		select {
		case <-c.release:
		case <-ctx.Done():
			return "", collaborator.Timeout("decrypt", ctx.Err())
		}
	}
	if c.failDecrypt[ciphertext] {
		return "", collaborator.Malformed("decrypt", "bad chunk")
	}
	return strings.TrimSuffix(strings.TrimPrefix(ciphertext, "enc("), ")"), nil
}

// fakeLedger is the value contract and the event contract in one.
type fakeLedger struct {
	store      map[string]string
	executed   []string
	deleted    []string
	reads      []string
	occupied   int
	failRebuy  map[string]bool
	failDelete map[string]bool
	// deleteFailures, when positive, limits how many deletes fail
	deleteFailures int
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{store: map[string]string{}}
}

func (l *fakeLedger) Write(_ context.Context, key, value string) error {
	l.store[key] = value
	return nil
}

func (l *fakeLedger) Read(_ context.Context, key string) (string, error) {
	l.reads = append(l.reads, key)
	if l.occupied > 0 {
		l.occupied--
		return "someone else's ciphertext", nil
	}
	return l.store[key], nil
}

func (l *fakeLedger) List(_ context.Context) ([]blockchain.Entry, error) {
	entries := make([]blockchain.Entry, 0, len(l.store))
	for k, v := range l.store {
		entries = append(entries, blockchain.Entry{Key: k, Value: v})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return entries, nil
}

func (l *fakeLedger) Delete(_ context.Context, key string) error {
	if l.failDelete[key] {
		if l.deleteFailures > 0 {
			l.deleteFailures--
			if l.deleteFailures == 0 {
				delete(l.failDelete, key)
			}
		}
		return collaborator.Timeout("delete", context.DeadlineExceeded)
	}
	delete(l.store, key)
	l.deleted = append(l.deleted, key)
	return nil
}

func (l *fakeLedger) Resell(_ context.Context, publicKey string, numTickets int, price float64) (blockchain.Receipt, error) {
	l.executed = append(l.executed, "resell:"+publicKey)
	return blockchain.Receipt{TxCount: "1", NumTickets: numTickets, Amount: price}, nil
}

func (l *fakeLedger) Rebuy(_ context.Context, publicKey string, numTickets int, price float64, eventCredential string) (blockchain.Receipt, error) {
	l.executed = append(l.executed, "rebuy:"+publicKey)
	if l.failRebuy[publicKey] {
		return blockchain.Receipt{}, collaborator.Rejected("rebuy", "not enough balance")
	}
	return blockchain.Receipt{TxCount: "2", NumTickets: numTickets, Amount: price}, nil
}

// countingStore counts lease acquisitions, renewals included.
type countingStore struct {
	*storage.SqliteStorage
	acquires atomic.Int64
}

func (s *countingStore) AcquireLease(name, owner string, now time.Time, ttl time.Duration) (bool, error) {
	s.acquires.Add(1)
	return s.SqliteStorage.AcquireLease(name, owner, now, ttl)
}

type fixture struct {
	pipeline *Pipeline
	ledger   *fakeLedger
	crypto   *fakeCrypto
	store    *countingStore
	clock    *clockwork.FakeClock
}

func newFixture(t *testing.T, seed uint64, policy config.FailurePolicy) *fixture {
	t.Helper()

	db, err := storage.NewSqliteStorage(filepath.Join(t.TempDir(), "settlement.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	store := &countingStore{SqliteStorage: db}

	cfg := config.Default().Settlement
	cfg.FailurePolicy = policy

	ledger := newFakeLedger()
	crypto := &fakeCrypto{}
	fake := clockwork.NewFakeClockAt(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	p := NewPipeline(cfg, crypto, ledger, NewExecutor(ledger), store,
		WithRand(rand.New(rand.NewPCG(seed, seed+1))),
		WithClock(fake),
	)
	return &fixture{pipeline: p, ledger: ledger, crypto: crypto, store: store, clock: fake}
}

func authFor(pk string) credential.Authorization {
	return credential.Authorization{UserID: "u-" + pk, PublicKey: pk, EventName: "concert1", EventCredential: "EC-" + pk}
}

func TestSubmitStoresCiphertextUnderPoolKey(t *testing.T) {
	f := newFixture(t, 1, config.FailurePolicyDelete)

	key, err := f.pipeline.Submit(context.Background(), authFor("pk-alice"), Resell, 2, 15.5)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(key, PoolKeyPrefix))
	require.Equal(t, "enc(resell;concert1;pk-alice;2;15.5;EC-pk-alice)", f.ledger.store[key])
}

func TestSubmitRetriesOnKeyCollision(t *testing.T) {
	f := newFixture(t, 1, config.FailurePolicyDelete)
	f.ledger.occupied = 1

	key, err := f.pipeline.Submit(context.Background(), authFor("pk-alice"), Rebuy, 1, 12)
	require.NoError(t, err)

	require.Len(t, f.ledger.reads, 2)
	require.NotEqual(t, f.ledger.reads[0], key)
	require.Equal(t, f.ledger.reads[1], key)
	require.Len(t, f.ledger.store, 1)
	require.Contains(t, f.ledger.store, key)
	require.NotContains(t, f.ledger.store, f.ledger.reads[0])
}

func TestSubmitGivesUpAfterBoundedAttempts(t *testing.T) {
	f := newFixture(t, 1, config.FailurePolicyDelete)
	f.ledger.occupied = 100

	_, err := f.pipeline.Submit(context.Background(), authFor("pk-alice"), Rebuy, 1, 12)
	require.ErrorIs(t, err, ErrKeyCollision)
	require.Len(t, f.ledger.reads, config.Default().Settlement.PoolKeyAttempts)
	require.Empty(t, f.ledger.store)
}

func TestSubmitRejectsInvalidTransactions(t *testing.T) {
	f := newFixture(t, 1, config.FailurePolicyDelete)
	ctx := context.Background()

	_, err := f.pipeline.Submit(ctx, authFor("pk-alice"), "gift", 1, 1)
	require.ErrorIs(t, err, ErrMalformedTransaction)

	_, err = f.pipeline.Submit(ctx, authFor("pk-alice"), Resell, 0, 1)
	require.ErrorIs(t, err, ErrMalformedTransaction)

	_, err = f.pipeline.Submit(ctx, authFor("pk;alice"), Resell, 1, 1)
	require.ErrorIs(t, err, ErrMalformedTransaction)

	require.Empty(t, f.ledger.store)
}

func submitMany(t *testing.T, f *fixture, n int) []string {
	t.Helper()

	var submitted []string
	for i := 0; i < n; i++ {
		pk := "pk-" + string(rune('a'+i))
		txType := Resell
		if i%2 == 1 {
			txType = Rebuy
		}
		_, err := f.pipeline.Submit(context.Background(), authFor(pk), txType, 1, 10)
		require.NoError(t, err)
		submitted = append(submitted, string(txType)+":"+pk)
	}
	return submitted
}

func TestSettleExecutesEveryRecordOnceAndCleansThePool(t *testing.T) {
	f := newFixture(t, 7, config.FailurePolicyDelete)
	submitted := submitMany(t, f, 6)
	f.ledger.store["unrelated"] = "keep me"

	report, err := f.pipeline.Settle(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Results, 6)
	require.Equal(t, 6, report.Count(storage.SettledOutcome))

	require.ElementsMatch(t, submitted, f.ledger.executed)
	require.Len(t, f.ledger.deleted, 6)
	require.Equal(t, map[string]string{"unrelated": "keep me"}, f.ledger.store)

	records, err := f.store.GetSettlementRecords(report.BatchID)
	require.NoError(t, err)
	require.Len(t, records, 6)
	for _, rec := range records {
		require.True(t, rec.KeyDeleted)
		require.Equal(t, storage.SettledOutcome, rec.Outcome)
	}
}

func TestSettleShufflesBeforeExecution(t *testing.T) {
	reordered := false
	for seed := uint64(1); seed <= 20; seed++ {
		f := newFixture(t, seed, config.FailurePolicyDelete)
		submitMany(t, f, 8)

		listed, err := f.ledger.List(context.Background())
		require.NoError(t, err)
		var ledgerOrder []string
		for _, e := range listed {
			tx, err := DecodeTransaction(strings.TrimSuffix(strings.TrimPrefix(e.Value, "enc("), ")"))
			require.NoError(t, err)
			ledgerOrder = append(ledgerOrder, string(tx.Type)+":"+tx.PublicKey)
		}

		_, err = f.pipeline.Settle(context.Background())
		require.NoError(t, err)
		require.ElementsMatch(t, ledgerOrder, f.ledger.executed)

		if !equal(ledgerOrder, f.ledger.executed) {
			reordered = true
		}
	}
	require.True(t, reordered, "execution order never differed from ledger order")
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestSettleReportsFailuresAndDeletesByDefault(t *testing.T) {
	f := newFixture(t, 3, config.FailurePolicyDelete)
	submitMany(t, f, 4)
	f.ledger.failRebuy = map[string]bool{"pk-b": true}
	f.ledger.store[PoolKeyPrefix+"garbage"] = "enc(resell;concert1;pk-x;1)"

	report, err := f.pipeline.Settle(context.Background())
	require.ErrorIs(t, err, ErrPartialBatch)
	require.Equal(t, 3, report.Count(storage.SettledOutcome))
	require.Equal(t, 1, report.Count(storage.FailedOutcome))
	require.Equal(t, 1, report.Count(storage.MalformedOutcome))
	require.Empty(t, f.ledger.store, "every batch key is removed")

	unresolved, err := f.store.GetUnresolvedSettlementRecords()
	require.NoError(t, err)
	require.Len(t, unresolved, 1)
	require.Equal(t, "rebuy", unresolved[0].TxType)
	require.Contains(t, unresolved[0].Reason, "not enough balance")
}

func TestSettleRetainPolicyKeepsFailedRecords(t *testing.T) {
	f := newFixture(t, 3, config.FailurePolicyRetain)
	submitMany(t, f, 4)
	f.ledger.failRebuy = map[string]bool{"pk-b": true}
	f.ledger.store[PoolKeyPrefix+"garbage"] = "enc(not a record)"

	var undecryptable string
	for k, v := range f.ledger.store {
		if strings.Contains(v, "pk-c") {
			undecryptable = k
			f.crypto.failDecrypt = map[string]bool{v: true}
		}
	}

	report, err := f.pipeline.Settle(context.Background())
	require.ErrorIs(t, err, ErrPartialBatch)
	require.Equal(t, 2, report.Count(storage.SettledOutcome))
	require.Equal(t, 2, report.Count(storage.FailedOutcome))
	require.Equal(t, 1, report.Count(storage.MalformedOutcome))

	require.Len(t, f.ledger.store, 2)
	require.Contains(t, f.ledger.store, undecryptable)
	require.NotContains(t, f.ledger.store, PoolKeyPrefix+"garbage")

	// the next batch picks the retained records up again
	f.ledger.failRebuy = nil
	f.crypto.failDecrypt = nil
	report, err = f.pipeline.Settle(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, report.Count(storage.SettledOutcome))
	require.Empty(t, f.ledger.store)
}

func TestSettleRetriesDeleteOfExecutedRecords(t *testing.T) {
	f := newFixture(t, 5, config.FailurePolicyDelete)
	key, err := f.pipeline.Submit(context.Background(), authFor("pk-a"), Resell, 1, 10)
	require.NoError(t, err)

	// the executor's delete fails; cleanup retries it once
	f.ledger.failDelete = map[string]bool{key: true}
	f.ledger.deleteFailures = 1

	report, err := f.pipeline.Settle(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Results, 1)
	require.Equal(t, storage.SettledOutcome, report.Results[0].Outcome)
	require.True(t, report.Results[0].KeyDeleted)
	require.Empty(t, report.Results[0].Reason)
	require.Empty(t, f.ledger.store)
}

func TestSettleNeverReexecutesUndeletedRecords(t *testing.T) {
	f := newFixture(t, 5, config.FailurePolicyDelete)
	key, err := f.pipeline.Submit(context.Background(), authFor("pk-a"), Resell, 1, 10)
	require.NoError(t, err)
	f.ledger.failDelete = map[string]bool{key: true}

	report, err := f.pipeline.Settle(context.Background())
	require.ErrorIs(t, err, ErrPartialBatch)
	require.Len(t, report.Results, 1)
	require.Equal(t, storage.SettledOutcome, report.Results[0].Outcome)
	require.False(t, report.Results[0].KeyDeleted)
	require.Equal(t, []string{"resell:pk-a"}, f.ledger.executed)
	require.Contains(t, f.ledger.store, key)

	// the ledger still fails to delete: the key is reported, not run again
	report, err = f.pipeline.Settle(context.Background())
	require.ErrorIs(t, err, ErrPartialBatch)
	require.Empty(t, report.Results)
	require.Equal(t, []string{key}, report.Uncleared)
	require.Len(t, f.ledger.executed, 1)

	f.ledger.failDelete = nil
	report, err = f.pipeline.Settle(context.Background())
	require.NoError(t, err)
	require.Empty(t, report.Results)
	require.Equal(t, []string{key}, report.Cleared)
	require.Len(t, f.ledger.executed, 1)
	require.Empty(t, f.ledger.store)

	undeleted, err := f.store.GetUndeletedSettledKeys([]string{key})
	require.NoError(t, err)
	require.Empty(t, undeleted)
}

func TestSettleEmptyPool(t *testing.T) {
	f := newFixture(t, 1, config.FailurePolicyDelete)

	report, err := f.pipeline.Settle(context.Background())
	require.NoError(t, err)
	require.Empty(t, report.Results)
	require.NotEmpty(t, report.BatchID)
}

func TestSettleIsFencedByLease(t *testing.T) {
	f := newFixture(t, 1, config.FailurePolicyDelete)
	submitMany(t, f, 2)

	ok, err := f.store.AcquireLease(leaseName, "other-process", f.clock.Now(), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = f.pipeline.Settle(context.Background())
	require.ErrorIs(t, err, ErrBatchInProgress)
	require.Empty(t, f.ledger.executed)

	// the other process died; its lease runs out
	f.clock.Advance(2 * time.Minute)
	report, err := f.pipeline.Settle(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Results, 2)
}

type settleResult struct {
	report BatchReport
	err    error
}

func settleInBackground(f *fixture) <-chan settleResult {
	done := make(chan settleResult, 1)
	go func() {
		report, err := f.pipeline.Settle(context.Background())
		done <- settleResult{report: report, err: err}
	}()
	return done
}

func TestSettleRenewsLeaseDuringSlowRecords(t *testing.T) {
	f := newFixture(t, 1, config.FailurePolicyDelete)
	submitMany(t, f, 1)
	start := f.clock.Now()
	f.crypto.started = make(chan struct{})
	f.crypto.release = make(chan struct{})

	done := settleInBackground(f)
	<-f.crypto.started
	before := f.store.acquires.Load()

	// a third of the lease TTL passes inside a single decrypt
	f.clock.Advance(time.Minute)
	require.Eventually(t, func() bool { return f.store.acquires.Load() > before }, 5*time.Second, 10*time.Millisecond)

	// without the renewal the lease taken at start would be free by now
	ok, err := f.store.AcquireLease(leaseName, "other-process", start.Add(150*time.Second), time.Minute)
	require.NoError(t, err)
	require.False(t, ok)

	close(f.crypto.release)
	res := <-done
	require.NoError(t, res.err)
	require.Equal(t, 1, res.report.Count(storage.SettledOutcome))
	require.Empty(t, f.ledger.store)
}

func TestSettleStopsWhenLeaseIsLostMidBatch(t *testing.T) {
	f := newFixture(t, 1, config.FailurePolicyDelete)
	keys := submitMany(t, f, 1)
	start := f.clock.Now()
	f.crypto.started = make(chan struct{})
	f.crypto.release = make(chan struct{})

	done := settleInBackground(f)
	<-f.crypto.started

	// the lease expired unnoticed and another process took it
	ok, err := f.store.AcquireLease(leaseName, "other-process", start.Add(2*time.Minute+time.Second), 2*time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	f.clock.Advance(time.Minute)
	res := <-done
	require.ErrorIs(t, res.err, ErrLeaseLost)
	require.Empty(t, res.report.Results)
	require.Empty(t, f.ledger.executed)
	require.Len(t, f.ledger.store, len(keys))
}

func TestSettleRejectsConcurrentBatchInProcess(t *testing.T) {
	f := newFixture(t, 1, config.FailurePolicyDelete)

	f.pipeline.batchMu.Lock()
	_, err := f.pipeline.Settle(context.Background())
	f.pipeline.batchMu.Unlock()
	require.ErrorIs(t, err, ErrBatchInProgress)
}

func TestTransactionEncoding(t *testing.T) {
	tx := Transaction{Type: Rebuy, EventName: "concert1", PublicKey: "pk", NumTickets: 3, Price: 12.25, EventCredential: "EC1"}
	require.Equal(t, "rebuy;concert1;pk;3;12.25;EC1", tx.Encode())

	decoded, err := DecodeTransaction(tx.Encode())
	require.NoError(t, err)
	require.Equal(t, tx, decoded)

	for _, record := range []string{
		"rebuy;concert1;pk;3;12.25",
		"rebuy;concert1;pk;3;12.25;EC1;extra",
		"swap;concert1;pk;3;12.25;EC1",
		"rebuy;concert1;pk;three;12.25;EC1",
		"rebuy;concert1;pk;3;-1;EC1",
		"rebuy;;pk;3;1;EC1",
	} {
		_, err := DecodeTransaction(record)
		require.ErrorIs(t, err, ErrMalformedTransaction, record)
	}
}

func TestBoundedRetry(t *testing.T) {
	calls := 0
	_, err := boundedRetry(3, ErrKeyCollision, func() (int, error) {
		calls++
		return 0, ErrKeyCollision
	})
	require.ErrorIs(t, err, ErrKeyCollision)
	require.Equal(t, 3, calls)

	other := errors.New("ledger down")
	calls = 0
	_, err = boundedRetry(3, ErrKeyCollision, func() (int, error) {
		calls++
		return 0, other
	})
	require.ErrorIs(t, err, other)
	require.Equal(t, 1, calls)
}
