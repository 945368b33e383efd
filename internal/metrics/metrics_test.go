package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveApply(t *testing.T) {
	m := New()
	m.ObserveApply("accept", "APPLIED", "", 20*time.Millisecond)
	m.ObserveApply("accept", "FAILED", "DOCUMENT_INCONSISTENT", time.Second)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ApplyTotal.WithLabelValues("accept", "APPLIED", "")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Inconsistent))
	assert.Equal(t, 2, testutil.CollectAndCount(m.ApplyDuration))
}

func TestStoreAttemptHook(t *testing.T) {
	m := New()
	m.StoreAttemptHook(1, errors.New("503"))
	m.StoreAttemptHook(2, nil)
	m.StoreAttemptHook(3, errors.New("503"))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.StoreAttempts.WithLabelValues("error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StoreAttempts.WithLabelValues("ok")))
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.ObserveApply("reject", "APPLIED", "", 0)
	m.StoreAttemptHook(1, nil)
	m.ObserveGenerate(nil)
}

func TestHandlerServesRegistry(t *testing.T) {
	m := New()
	m.ObserveGenerate(nil)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `anchoredit_generate_calls_total{result="ok"} 1`)
}
