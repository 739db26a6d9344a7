package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"ticketing/internal/collaborator"
	"ticketing/internal/storage"
)

func TestObserveCallLabelsOutcomeByKind(t *testing.T) {
	m := New()

	m.ObserveCall("dkg", "encrypt", time.Millisecond, nil)
	m.ObserveCall("dkg", "encrypt", time.Millisecond, collaborator.Rejected("encrypt", "no key"))
	m.ObserveCall("ledger", "write", time.Millisecond, collaborator.Timeout("write", errors.New("late")))
	m.ObserveCall("ledger", "write", time.Millisecond, errors.New("plain"))

	require.Equal(t, 1.0, testutil.ToFloat64(m.collaboratorCalls.WithLabelValues("dkg", "encrypt", "success")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.collaboratorCalls.WithLabelValues("dkg", "encrypt", "rejected")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.collaboratorCalls.WithLabelValues("ledger", "write", "timeout")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.collaboratorCalls.WithLabelValues("ledger", "write", "error")))
}

func TestSettlementMetrics(t *testing.T) {
	m := New()

	m.ObservePendingPool(4)
	m.ObserveRecord(storage.SettledOutcome)
	m.ObserveRecord(storage.SettledOutcome)
	m.ObserveRecord(storage.FailedOutcome)

	require.Equal(t, 4.0, testutil.ToFloat64(m.pendingPool))
	require.Equal(t, 2.0, testutil.ToFloat64(m.settlementRecords.WithLabelValues("settled")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.settlementRecords.WithLabelValues("failed")))
}

func TestHandlerExposesRegistry(t *testing.T) {
	m := New()
	m.ObserveRequest("/health", 200, time.Millisecond)
	m.ObserveRateLimited()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), `ticketing_http_requests_total{route="/health",status="200"} 1`)
	require.Contains(t, string(body), "ticketing_http_rate_limited_total 1")
}
