package postgres

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/mt5desk/internal/infra/telemetry"
)

type poolGauge struct {
	name        string
	description string
	read        func(*pgxpool.Stat) int32
}

var poolGauges = []poolGauge{
	{telemetry.MetricDBPoolTotal, "Total journal connections (idle + acquired + constructing)", (*pgxpool.Stat).TotalConns},
	{telemetry.MetricDBPoolIdle, "Idle journal connections ready for checkout", (*pgxpool.Stat).IdleConns},
	{telemetry.MetricDBPoolAcquired, "Journal connections currently acquired", (*pgxpool.Stat).AcquiredConns},
}

// ObservePoolMetrics registers observable gauges that report the journal pool's connection counts.
func ObservePoolMetrics(pool *pgxpool.Pool, poolName string) error {
	if pool == nil {
		return nil
	}
	name := strings.TrimSpace(poolName)
	if name == "" {
		name = "journal"
	}
	attrs := metric.WithAttributes(
		telemetry.AttrEnvironment.String(telemetry.Environment()),
		attribute.String("db_pool", name),
	)

	meter := otel.Meter("postgres.pool")
	for _, gauge := range poolGauges {
		read := gauge.read
		if _, err := meter.Int64ObservableGauge(gauge.name,
			metric.WithDescription(gauge.description),
			metric.WithUnit("{connection}"),
			metric.WithInt64Callback(func(_ context.Context, observer metric.Int64Observer) error {
				observer.Observe(int64(read(pool.Stat())), attrs)
				return nil
			}),
		); err != nil {
			return err
		}
	}
	return nil
}
