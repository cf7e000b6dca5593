// Floragate - Multi-Tenant Greenhouse Telemetry Gateway
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/floragate/floragate

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/floragate/floragate/internal/metrics"
	"github.com/floragate/floragate/internal/models"
)

const telemetrySchema = `
CREATE TABLE IF NOT EXISTS telemetry (
    id           UUID PRIMARY KEY,
    owner        VARCHAR NOT NULL,
    group_key    VARCHAR NOT NULL,
    feed_key     VARCHAR NOT NULL,
    kind         VARCHAR NOT NULL,
    ts           TIMESTAMP NOT NULL,
    sensor_value DOUBLE,
    device_status BOOLEAN
);
CREATE INDEX IF NOT EXISTS idx_telemetry_owner_feed_ts
    ON telemetry (owner, feed_key, ts);
`

// DuckDBTelemetryStore implements TelemetryStore on DuckDB. Sensor and
// device variants share one table; the unused variant column is NULL.
type DuckDBTelemetryStore struct {
	conn *sql.DB
}

// NewDuckDBTelemetryStore opens the telemetry database at path and
// creates the schema. Use ":memory:" for an ephemeral store.
func NewDuckDBTelemetryStore(path string) (*DuckDBTelemetryStore, error) {
	conn, err := sql.Open("duckdb", path+"?access_mode=read_write&autoinstall_known_extensions=false&autoload_known_extensions=false")
	if err != nil {
		return nil, fmt.Errorf("open telemetry store: %w", err)
	}

	// DuckDB serializes writes; a single connection avoids lock churn.
	conn.SetMaxOpenConns(1)

	if _, err := conn.Exec(telemetrySchema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("create telemetry schema: %w", err)
	}
	return &DuckDBTelemetryStore{conn: conn}, nil
}

// Insert writes one record.
func (s *DuckDBTelemetryStore) Insert(ctx context.Context, rec *models.TelemetryRecord) error {
	timer := prometheus.NewTimer(metrics.TelemetryPersistDuration)
	defer timer.ObserveDuration()

	var sensorValue sql.NullFloat64
	var deviceStatus sql.NullBool
	if rec.Sensor != nil {
		sensorValue = sql.NullFloat64{Float64: rec.Sensor.Value, Valid: true}
	}
	if rec.Device != nil {
		deviceStatus = sql.NullBool{Bool: rec.Device.Status, Valid: true}
	}

	_, err := s.conn.ExecContext(ctx,
		`INSERT INTO telemetry (id, owner, group_key, feed_key, kind, ts, sensor_value, device_status)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID.String(), rec.Owner, rec.GroupKey, rec.FeedKey, string(rec.Kind),
		rec.Timestamp, sensorValue, deviceStatus,
	)
	if err != nil {
		return fmt.Errorf("insert telemetry: %w", err)
	}
	return nil
}

// Recent returns the newest records for one user feed, most recent first.
func (s *DuckDBTelemetryStore) Recent(ctx context.Context, userID, feedKey string, limit int) ([]models.TelemetryRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.conn.QueryContext(ctx,
		`SELECT id, owner, group_key, feed_key, kind, ts, sensor_value, device_status
		 FROM telemetry
		 WHERE owner = ? AND feed_key = ?
		 ORDER BY ts DESC
		 LIMIT ?`,
		userID, feedKey, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query telemetry: %w", err)
	}
	defer rows.Close()

	var records []models.TelemetryRecord
	for rows.Next() {
		var (
			rec          models.TelemetryRecord
			id           string
			kind         string
			ts           time.Time
			sensorValue  sql.NullFloat64
			deviceStatus sql.NullBool
		)
		if err := rows.Scan(&id, &rec.Owner, &rec.GroupKey, &rec.FeedKey, &kind, &ts, &sensorValue, &deviceStatus); err != nil {
			return nil, fmt.Errorf("scan telemetry row: %w", err)
		}
		parsed, err := uuid.Parse(id)
		if err != nil {
			return nil, fmt.Errorf("parse telemetry id: %w", err)
		}
		rec.ID = parsed
		rec.Kind = models.TelemetryKind(kind)
		rec.Timestamp = ts
		if sensorValue.Valid {
			rec.Sensor = &models.SensorPayload{Value: sensorValue.Float64}
		}
		if deviceStatus.Valid {
			rec.Device = &models.DevicePayload{Status: deviceStatus.Bool}
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate telemetry rows: %w", err)
	}
	return records, nil
}

// Close closes the underlying connection.
func (s *DuckDBTelemetryStore) Close() error {
	return s.conn.Close()
}
