package instrumentation

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	totals := make(map[string]int64)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					totals[m.Name] += dp.Value
				}
			}
		}
	}
	return totals
}

func TestMetrics_Record(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	m, err := New(provider)
	require.NoError(t, err)

	ctx := context.Background()
	m.Redirect(ctx, "login")
	m.Redirect(ctx, "prompt")
	m.Exchange(ctx, nil)
	m.Refresh(ctx, "auth.globus.org", nil)
	m.Refresh(ctx, "transfer.api.globus.org", errors.New("boom"))
	m.Revocation(ctx, nil)
	m.ErrorTriage(ctx, "consent_required")
	m.Authenticated(ctx, true)
	m.Authenticated(ctx, false)
	m.Authenticated(ctx, true)

	totals := collect(t, reader)
	assert.Equal(t, int64(2), totals["globus_auth.redirects"])
	assert.Equal(t, int64(1), totals["globus_auth.code_exchanges"])
	assert.Equal(t, int64(2), totals["globus_auth.refreshes"])
	assert.Equal(t, int64(1), totals["globus_auth.revocations"])
	assert.Equal(t, int64(1), totals["globus_auth.error_triage"])
	assert.Equal(t, int64(1), totals["globus_auth.authenticated"])
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	ctx := context.Background()
	assert.NotPanics(t, func() {
		m.Redirect(ctx, "login")
		m.Exchange(ctx, nil)
		m.Refresh(ctx, "x", nil)
		m.Revocation(ctx, nil)
		m.ErrorTriage(ctx, "unknown")
		m.Authenticated(ctx, true)
	})
}

func TestNew_DefaultProvider(t *testing.T) {
	m, err := New(nil)
	require.NoError(t, err)
	assert.NotNil(t, m)
}
