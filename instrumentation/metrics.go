package instrumentation

import (
	"fmt"

	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all metric instruments for the token broker.
type Metrics struct {
	// HTTP adapter metrics
	HTTPRequestsTotal   metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram
	RateLimitExceeded   metric.Int64Counter

	// Credential lifecycle metrics
	AuthorizeRequests metric.Int64Counter
	TokenRefreshed    metric.Int64Counter
	RefreshCoalesced  metric.Int64Counter
	TokenRevoked      metric.Int64Counter
	UserRegistered    metric.Int64Counter

	// Upstream provider metrics
	ProviderCallsTotal   metric.Int64Counter
	ProviderCallDuration metric.Float64Histogram
	ProviderCallErrors   metric.Int64Counter

	// Storage metrics
	StorageOperationTotal    metric.Int64Counter
	StorageOperationDuration metric.Float64Histogram
	CredentialsCount         metric.Int64ObservableGauge
}

// newMetrics creates and registers all metric instruments.
func newMetrics(inst *Instrumentation) (*Metrics, error) {
	httpMeter := inst.Meter("http")
	brokerMeter := inst.Meter("broker")
	providerMeter := inst.Meter("provider")
	storageMeter := inst.Meter("storage")

	m := &Metrics{}
	var err error

	m.HTTPRequestsTotal, err = httpMeter.Int64Counter(
		"broker.http.requests.total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http.requests.total counter: %w", err)
	}

	m.HTTPRequestDuration, err = httpMeter.Float64Histogram(
		"broker.http.request.duration",
		metric.WithDescription("HTTP request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http.request.duration histogram: %w", err)
	}

	m.RateLimitExceeded, err = httpMeter.Int64Counter(
		"broker.http.rate_limit.exceeded",
		metric.WithDescription("Number of requests rejected by rate limiting"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create rate_limit.exceeded counter: %w", err)
	}

	m.AuthorizeRequests, err = brokerMeter.Int64Counter(
		"broker.authorize.requests",
		metric.WithDescription("Number of Authorize calls served"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create authorize.requests counter: %w", err)
	}

	m.TokenRefreshed, err = brokerMeter.Int64Counter(
		"broker.token.refreshed",
		metric.WithDescription("Number of upstream token refreshes performed"),
		metric.WithUnit("{refresh}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token.refreshed counter: %w", err)
	}

	m.RefreshCoalesced, err = brokerMeter.Int64Counter(
		"broker.refresh.coalesced",
		metric.WithDescription("Number of Authorize calls that reused a concurrent refresh result"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create refresh.coalesced counter: %w", err)
	}

	m.TokenRevoked, err = brokerMeter.Int64Counter(
		"broker.token.revoked",
		metric.WithDescription("Number of credentials revoked and deleted"),
		metric.WithUnit("{revocation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token.revoked counter: %w", err)
	}

	m.UserRegistered, err = brokerMeter.Int64Counter(
		"broker.user.registered",
		metric.WithDescription("Number of new users registered via code exchange"),
		metric.WithUnit("{user}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create user.registered counter: %w", err)
	}

	m.ProviderCallsTotal, err = providerMeter.Int64Counter(
		"broker.provider.calls.total",
		metric.WithDescription("Total number of upstream OAuth provider calls"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create provider.calls.total counter: %w", err)
	}

	m.ProviderCallDuration, err = providerMeter.Float64Histogram(
		"broker.provider.call.duration",
		metric.WithDescription("Upstream provider call duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create provider.call.duration histogram: %w", err)
	}

	m.ProviderCallErrors, err = providerMeter.Int64Counter(
		"broker.provider.call.errors",
		metric.WithDescription("Number of failed upstream provider calls"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create provider.call.errors counter: %w", err)
	}

	m.StorageOperationTotal, err = storageMeter.Int64Counter(
		"broker.storage.operations.total",
		metric.WithDescription("Total number of storage operations"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operations.total counter: %w", err)
	}

	m.StorageOperationDuration, err = storageMeter.Float64Histogram(
		"broker.storage.operation.duration",
		metric.WithDescription("Storage operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operation.duration histogram: %w", err)
	}

	m.CredentialsCount, err = storageMeter.Int64ObservableGauge(
		"broker.storage.credentials",
		metric.WithDescription("Current number of stored credentials"),
		metric.WithUnit("{credential}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.credentials gauge: %w", err)
	}

	return m, nil
}
