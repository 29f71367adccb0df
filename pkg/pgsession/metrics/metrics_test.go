package metrics

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordHistogram(t *testing.T) {
	m := NewManager()
	ctx := context.Background()

	m.NewHistogram("app_pgsession_stats", "statement duration in milliseconds", nil, "type")
	m.RecordHistogram(ctx, "app_pgsession_stats", 12, "type", "SELECT")
	m.RecordHistogram(ctx, "app_pgsession_stats", 3, "type", "INSERT")

	body := scrape(t, m)
	assert.Contains(t, body, `app_pgsession_stats_count{type="SELECT"} 1`)
	assert.Contains(t, body, `app_pgsession_stats_count{type="INSERT"} 1`)
	assert.Contains(t, body, `app_pgsession_stats_sum{type="SELECT"} 12`)
}

func TestRecordHistogramLazyRegistration(t *testing.T) {
	m := NewManager()

	m.RecordHistogram(context.Background(), "lazy_histogram", 1, "kind", "x")

	assert.Contains(t, scrape(t, m), `lazy_histogram_count{kind="x"} 1`)
}

func TestIncrementCounter(t *testing.T) {
	m := NewManager()
	ctx := context.Background()

	m.NewCounter("app_pgsession_errors", "classified statement failures", "kind")
	m.IncrementCounter(ctx, "app_pgsession_errors", "kind", "integrity")
	m.IncrementCounter(ctx, "app_pgsession_errors", "kind", "integrity")

	assert.Contains(t, scrape(t, m), `app_pgsession_errors{kind="integrity"} 2`)
}

func TestDuplicateRegistrationIsIgnored(t *testing.T) {
	m := NewManager()

	m.NewCounter("dup", "first", "a")
	m.NewCounter("dup", "second", "a")

	m.IncrementCounter(context.Background(), "dup", "a", "1")
	assert.Contains(t, scrape(t, m), `dup{a="1"} 1`)
}

func scrape(t *testing.T, m *Manager) string {
	t.Helper()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	GetHandler(m).ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)

	return rec.Body.String()
}
