package internaltelemetry

import (
	"go.opentelemetry.io/otel/metric"
)

// LifecycleMetrics holds all the metric instruments for the page lifecycle
// core.
type LifecycleMetrics struct {
	PagesOpenedCounter     metric.Int64Counter
	PagesClosedCounter     metric.Int64Counter
	PagesEvictedCounter    metric.Int64Counter
	OpenPagesUpDownCounter metric.Int64UpDownCounter
	SyncTriggersCounter    metric.Int64Counter
	CleanupDurationHist    metric.Int64Histogram
}

// NewLifecycleMetrics creates and registers all the metrics for the page
// lifecycle core.
func NewLifecycleMetrics(meter metric.Meter) (*LifecycleMetrics, error) {
	pagesOpenedCounter, err := meter.Int64Counter(
		"pagesync.pages.opened_total",
		metric.WithDescription("Total number of external page opens."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	pagesClosedCounter, err := meter.Int64Counter(
		"pagesync.pages.closed_total",
		metric.WithDescription("Total number of external page closes."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	pagesEvictedCounter, err := meter.Int64Counter(
		"pagesync.pages.evicted_total",
		metric.WithDescription("Total number of pages whose local storage was reclaimed."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	openPagesUpDownCounter, err := meter.Int64UpDownCounter(
		"pagesync.pages.open",
		metric.WithDescription("Number of pages currently open by external clients."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	syncTriggersCounter, err := meter.Int64Counter(
		"pagesync.sync.triggers_total",
		metric.WithDescription("Total number of background sync triggers."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	cleanupDurationHist, err := meter.Int64Histogram(
		"pagesync.cleanup.duration",
		metric.WithDescription("The duration of eviction passes."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	return &LifecycleMetrics{
		PagesOpenedCounter:     pagesOpenedCounter,
		PagesClosedCounter:     pagesClosedCounter,
		PagesEvictedCounter:    pagesEvictedCounter,
		OpenPagesUpDownCounter: openPagesUpDownCounter,
		SyncTriggersCounter:    syncTriggersCounter,
		CleanupDurationHist:    cleanupDurationHist,
	}, nil
}
