// Package instrumentation records OpenTelemetry metrics for the
// authorization lifecycle.
package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/alexjbarnes/globus-auth"

// Outcome values for the outcome attribute.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Metrics holds the counters. A nil *Metrics is valid and records nothing.
type Metrics struct {
	redirects     metric.Int64Counter
	exchanges     metric.Int64Counter
	refreshes     metric.Int64Counter
	revocations   metric.Int64Counter
	errorTriage   metric.Int64Counter
	authenticated metric.Int64UpDownCounter
}

// New creates the counters on provider. A nil provider uses the global one.
func New(provider metric.MeterProvider) (*Metrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}

	meter := provider.Meter(meterName)

	var (
		m   Metrics
		err error
	)

	if m.redirects, err = meter.Int64Counter("globus_auth.redirects",
		metric.WithDescription("Authorization redirects started")); err != nil {
		return nil, fmt.Errorf("creating redirects counter: %w", err)
	}

	if m.exchanges, err = meter.Int64Counter("globus_auth.code_exchanges",
		metric.WithDescription("Authorization code exchanges by outcome")); err != nil {
		return nil, fmt.Errorf("creating exchanges counter: %w", err)
	}

	if m.refreshes, err = meter.Int64Counter("globus_auth.refreshes",
		metric.WithDescription("Refresh token grants by outcome")); err != nil {
		return nil, fmt.Errorf("creating refreshes counter: %w", err)
	}

	if m.revocations, err = meter.Int64Counter("globus_auth.revocations",
		metric.WithDescription("Token revocation requests by outcome")); err != nil {
		return nil, fmt.Errorf("creating revocations counter: %w", err)
	}

	if m.errorTriage, err = meter.Int64Counter("globus_auth.error_triage",
		metric.WithDescription("Downstream error responses by classification")); err != nil {
		return nil, fmt.Errorf("creating error triage counter: %w", err)
	}

	if m.authenticated, err = meter.Int64UpDownCounter("globus_auth.authenticated",
		metric.WithDescription("1 while a session is authenticated")); err != nil {
		return nil, fmt.Errorf("creating authenticated gauge: %w", err)
	}

	return &m, nil
}

func outcome(err error) attribute.KeyValue {
	if err != nil {
		return attribute.String("outcome", OutcomeFailure)
	}

	return attribute.String("outcome", OutcomeSuccess)
}

// Redirect records an authorization redirect. kind is "login" for a
// fresh login and "prompt" for an incremental one.
func (m *Metrics) Redirect(ctx context.Context, kind string) {
	if m == nil {
		return
	}

	m.redirects.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// Exchange records a code exchange outcome.
func (m *Metrics) Exchange(ctx context.Context, err error) {
	if m == nil {
		return
	}

	m.exchanges.Add(ctx, 1, metric.WithAttributes(outcome(err)))
}

// Refresh records a refresh grant for resourceServer.
func (m *Metrics) Refresh(ctx context.Context, resourceServer string, err error) {
	if m == nil {
		return
	}

	m.refreshes.Add(ctx, 1, metric.WithAttributes(
		outcome(err),
		attribute.String("resource_server", resourceServer),
	))
}

// Revocation records one revocation request.
func (m *Metrics) Revocation(ctx context.Context, err error) {
	if m == nil {
		return
	}

	m.revocations.Add(ctx, 1, metric.WithAttributes(outcome(err)))
}

// ErrorTriage records the classification of a downstream error.
func (m *Metrics) ErrorTriage(ctx context.Context, kind string) {
	if m == nil {
		return
	}

	m.errorTriage.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// Authenticated records a change of authenticated state.
func (m *Metrics) Authenticated(ctx context.Context, authenticated bool) {
	if m == nil {
		return
	}

	delta := int64(-1)
	if authenticated {
		delta = 1
	}

	m.authenticated.Add(ctx, delta)
}
