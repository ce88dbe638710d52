package profiled

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

const (
	claimOutcomeClaimed = "claimed"
	claimOutcomeLocked  = "locked"
	claimOutcomeError   = "error"

	saveOutcomeSaved   = "saved"
	saveOutcomeStolen  = "stolen"
	saveOutcomeYielded = "yielded"
	saveOutcomeError   = "error"
)

type serviceMetrics struct {
	claims   metric.Int64Counter
	saves    metric.Int64Counter
	releases metric.Int64Counter

	activeGauge   metric.Int64ObservableGauge
	queueGauge    metric.Int64ObservableGauge
	criticalGauge metric.Int64ObservableGauge
}

func newServiceMetrics(s *Service, logger pslog.Logger) *serviceMetrics {
	meter := otel.Meter("pkt.systems/profiled")
	m := &serviceMetrics{}
	var err error

	m.claims, err = meter.Int64Counter(
		"profiled.claims",
		metric.WithDescription("Claim attempts by outcome"),
	)
	logMetricInitError(logger, "profiled.claims", err)

	m.saves, err = meter.Int64Counter(
		"profiled.saves",
		metric.WithDescription("Remote save cycles by outcome"),
	)
	logMetricInitError(logger, "profiled.saves", err)

	m.releases, err = meter.Int64Counter(
		"profiled.releases",
		metric.WithDescription("Lease releases by reason"),
	)
	logMetricInitError(logger, "profiled.releases", err)

	m.activeGauge, err = meter.Int64ObservableGauge(
		"profiled.leases.active",
		metric.WithDescription("Leases currently held by this process"),
	)
	logMetricInitError(logger, "profiled.leases.active", err)

	m.queueGauge, err = meter.Int64ObservableGauge(
		"profiled.queue.entries",
		metric.WithDescription("Keys tracked by the write queue"),
	)
	logMetricInitError(logger, "profiled.queue.entries", err)

	m.criticalGauge, err = meter.Int64ObservableGauge(
		"profiled.health.critical",
		metric.WithDescription("1 while the health monitor flags critical state"),
	)
	logMetricInitError(logger, "profiled.health.critical", err)

	observables := make([]metric.Observable, 0, 3)
	for _, o := range []metric.Int64ObservableGauge{m.activeGauge, m.queueGauge, m.criticalGauge} {
		if o != nil {
			observables = append(observables, o)
		}
	}
	if len(observables) > 0 {
		if _, err := meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
			m.observe(s, o)
			return nil
		}, observables...); err != nil && logger != nil {
			logger.Warn("telemetry.metric.callback_failed", "error", err)
		}
	}

	return m
}

func (m *serviceMetrics) observe(s *Service, o metric.Observer) {
	if m.activeGauge != nil {
		o.ObserveInt64(m.activeGauge, int64(s.ActiveProfiles()))
	}
	if m.queueGauge != nil {
		o.ObserveInt64(m.queueGauge, int64(s.queue.Len()))
	}
	if m.criticalGauge != nil {
		var critical int64
		if s.monitor.InCriticalState() {
			critical = 1
		}
		o.ObserveInt64(m.criticalGauge, critical)
	}
}

func (m *serviceMetrics) claim(outcome string) {
	if m == nil || m.claims == nil {
		return
	}
	m.claims.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("profiled.claim.outcome", outcome),
	))
}

func (m *serviceMetrics) save(outcome string) {
	if m == nil || m.saves == nil {
		return
	}
	m.saves.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("profiled.save.outcome", outcome),
	))
}

func (m *serviceMetrics) release(reason ReleaseReason) {
	if m == nil || m.releases == nil {
		return
	}
	m.releases.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("profiled.release.reason", string(reason)),
	))
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
