package store

import (
	"context"
	"fmt"
	"time"

	"github.com/firstline-io/firstline/internal/flerrors"
	"github.com/firstline-io/firstline/internal/store/model"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// TelemetryQueryParams bound a raw or aggregated telemetry query.
type TelemetryQueryParams struct {
	MetricName *string
	StartTime  *time.Time
	EndTime    *time.Time
	Limit      int
	Offset     int
}

// AggregateRow is one bucket of a continuous aggregate.
type AggregateRow struct {
	Bucket      time.Time `json:"bucket"`
	DeviceID    uuid.UUID `json:"device_id"`
	MetricName  string    `json:"metric_name"`
	AvgValue    *float64  `json:"avg"`
	MinValue    *float64  `json:"min"`
	MaxValue    *float64  `json:"max"`
	SampleCount int64     `json:"count"`
}

type Telemetry interface {
	// InsertBatch writes all rows in one transaction. Rows that collide
	// on the composite primary key are skipped, which makes redelivered
	// stream entries harmless.
	InsertBatch(ctx context.Context, rows []model.TelemetryRow) error
	QueryRaw(ctx context.Context, deviceID uuid.UUID, params TelemetryQueryParams) ([]model.TelemetryRow, error)
	QueryAggregate(ctx context.Context, deviceID uuid.UUID, bucket string, params TelemetryQueryParams) ([]AggregateRow, error)
	ListMetricNames(ctx context.Context, deviceID uuid.UUID) ([]string, error)
	InitialMigration() error
}

type TelemetryStore struct {
	db  *gorm.DB
	log logrus.FieldLogger
}

var _ Telemetry = (*TelemetryStore)(nil)

func NewTelemetry(db *gorm.DB, log logrus.FieldLogger) Telemetry {
	return &TelemetryStore{db: db, log: log}
}

// InitialMigration creates the narrow telemetry table and, when the
// timescaledb extension is installed, converts it into a hypertable
// with compression, retention, and hourly/daily continuous aggregates.
// Without the extension the plain table with its composite primary key
// still satisfies the durability and idempotency contracts.
func (s *TelemetryStore) InitialMigration() error {
	if err := s.db.AutoMigrate(&model.TelemetryRow{}); err != nil {
		return err
	}

	if s.db.Dialector.Name() != "postgres" {
		return nil
	}
	var hasTimescale bool
	if err := s.db.Raw("SELECT EXISTS (SELECT 1 FROM pg_extension WHERE extname = 'timescaledb')").Scan(&hasTimescale).Error; err != nil {
		return err
	}
	if !hasTimescale {
		s.log.Warn("timescaledb extension not installed; telemetry retention and aggregates are disabled")
		return nil
	}

	statements := []string{
		`SELECT create_hypertable('device_telemetry', 'time', chunk_time_interval => INTERVAL '7 days', if_not_exists => TRUE)`,

		`ALTER TABLE device_telemetry SET (
			timescaledb.compress,
			timescaledb.compress_segmentby = 'device_id, metric_name'
		)`,
		`SELECT add_compression_policy('device_telemetry', INTERVAL '7 days', if_not_exists => TRUE)`,
		`SELECT add_retention_policy('device_telemetry', INTERVAL '90 days', if_not_exists => TRUE)`,

		`CREATE MATERIALIZED VIEW IF NOT EXISTS device_telemetry_hourly
			WITH (timescaledb.continuous) AS
			SELECT time_bucket(INTERVAL '1 hour', time) AS bucket,
				device_id,
				metric_name,
				AVG(value_numeric) AS avg_value,
				MIN(value_numeric) AS min_value,
				MAX(value_numeric) AS max_value,
				COUNT(*) AS sample_count
			FROM device_telemetry
			GROUP BY bucket, device_id, metric_name
			WITH NO DATA`,
		`SELECT add_continuous_aggregate_policy('device_telemetry_hourly',
			start_offset => INTERVAL '3 hours',
			end_offset => INTERVAL '30 minutes',
			schedule_interval => INTERVAL '30 minutes',
			if_not_exists => TRUE)`,

		`CREATE MATERIALIZED VIEW IF NOT EXISTS device_telemetry_daily
			WITH (timescaledb.continuous) AS
			SELECT time_bucket(INTERVAL '1 day', time) AS bucket,
				device_id,
				metric_name,
				AVG(value_numeric) AS avg_value,
				MIN(value_numeric) AS min_value,
				MAX(value_numeric) AS max_value,
				COUNT(*) AS sample_count
			FROM device_telemetry
			GROUP BY bucket, device_id, metric_name
			WITH NO DATA`,
		`SELECT add_continuous_aggregate_policy('device_telemetry_daily',
			start_offset => INTERVAL '3 days',
			end_offset => INTERVAL '1 hour',
			schedule_interval => INTERVAL '12 hours',
			if_not_exists => TRUE)`,
	}
	for _, stmt := range statements {
		if err := s.db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("telemetry migration: %w", err)
		}
	}
	return nil
}

func (s *TelemetryStore) InsertBatch(ctx context.Context, rows []model.TelemetryRow) error {
	if len(rows) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Clauses(clause.OnConflict{DoNothing: true}).CreateInBatches(rows, 500)
		return flerrors.ErrorFromGormError(result.Error)
	})
}

func (s *TelemetryStore) QueryRaw(ctx context.Context, deviceID uuid.UUID, params TelemetryQueryParams) ([]model.TelemetryRow, error) {
	limit := params.Limit
	if limit <= 0 || limit > 10000 {
		limit = 1000
	}
	query := s.db.WithContext(ctx).
		Where("device_id = ?", deviceID).
		Order("time DESC").
		Limit(limit).
		Offset(params.Offset)
	if params.MetricName != nil {
		query = query.Where("metric_name = ?", *params.MetricName)
	}
	if params.StartTime != nil {
		query = query.Where("time >= ?", *params.StartTime)
	}
	if params.EndTime != nil {
		query = query.Where("time <= ?", *params.EndTime)
	}
	var rows []model.TelemetryRow
	result := query.Find(&rows)
	if result.Error != nil {
		return nil, flerrors.ErrorFromGormError(result.Error)
	}
	return rows, nil
}

// QueryAggregate reads from a continuous aggregate view. The caller
// guarantees metric name and time range are set; buckets come back in
// ascending order.
func (s *TelemetryStore) QueryAggregate(ctx context.Context, deviceID uuid.UUID, bucket string, params TelemetryQueryParams) ([]AggregateRow, error) {
	var view string
	switch bucket {
	case "hourly":
		view = "device_telemetry_hourly"
	case "daily":
		view = "device_telemetry_daily"
	default:
		return nil, fmt.Errorf("%w: unknown aggregation %q", flerrors.ErrInvalidArgument, bucket)
	}
	if params.MetricName == nil || params.StartTime == nil || params.EndTime == nil {
		return nil, fmt.Errorf("%w: aggregated queries require metric_name, start_time and end_time", flerrors.ErrInvalidArgument)
	}
	limit := params.Limit
	if limit <= 0 || limit > 10000 {
		limit = 1000
	}

	var rows []AggregateRow
	err := s.db.WithContext(ctx).Raw(fmt.Sprintf(`
		SELECT bucket, device_id, metric_name,
			avg_value AS avg_value, min_value AS min_value,
			max_value AS max_value, sample_count AS sample_count
		FROM %s
		WHERE device_id = ? AND metric_name = ? AND bucket >= ? AND bucket <= ?
		ORDER BY bucket ASC
		LIMIT ? OFFSET ?`, view),
		deviceID, *params.MetricName, *params.StartTime, *params.EndTime, limit, params.Offset,
	).Scan(&rows).Error
	if err != nil {
		return nil, flerrors.ErrorFromGormError(err)
	}
	return rows, nil
}

func (s *TelemetryStore) ListMetricNames(ctx context.Context, deviceID uuid.UUID) ([]string, error) {
	var names []string
	err := s.db.WithContext(ctx).Model(&model.TelemetryRow{}).
		Where("device_id = ?", deviceID).
		Distinct("metric_name").
		Order("metric_name").
		Pluck("metric_name", &names).Error
	if err != nil {
		return nil, flerrors.ErrorFromGormError(err)
	}
	return names, nil
}
