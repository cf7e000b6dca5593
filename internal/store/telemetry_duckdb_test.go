// Floragate - Multi-Tenant Greenhouse Telemetry Gateway
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/floragate/floragate

package store

import (
	"context"
	"testing"
	"time"

	"github.com/floragate/floragate/internal/models"
)

func newTestTelemetryStore(t *testing.T) *DuckDBTelemetryStore {
	t.Helper()
	s, err := NewDuckDBTelemetryStore(":memory:")
	if err != nil {
		t.Fatalf("NewDuckDBTelemetryStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestTelemetryStoreInsertAndRecent(t *testing.T) {
	s := newTestTelemetryStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		rec := models.NewSensorRecord("alice", "zone1", "zone1.temp", 20+float64(i), base.Add(time.Duration(i)*time.Minute))
		if err := s.Insert(ctx, rec); err != nil {
			t.Fatalf("Insert %d: %v", i, err)
		}
	}

	got, err := s.Recent(ctx, "alice", "zone1.temp", 2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("row count = %d, want 2", len(got))
	}
	// Most recent first.
	if got[0].Sensor == nil || got[0].Sensor.Value != 22 {
		t.Errorf("first row = %+v, want value 22", got[0])
	}
	if got[1].Sensor == nil || got[1].Sensor.Value != 21 {
		t.Errorf("second row = %+v, want value 21", got[1])
	}
	if got[0].Kind != models.KindSensor || got[0].Device != nil {
		t.Errorf("sensor row carries wrong variant: %+v", got[0])
	}
}

func TestTelemetryStoreDeviceVariant(t *testing.T) {
	s := newTestTelemetryStore(t)
	ctx := context.Background()

	rec := models.NewDeviceRecord("bob", "zone1", "zone1.fan", true, time.Now().UTC())
	if err := s.Insert(ctx, rec); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	got, err := s.Recent(ctx, "bob", "zone1.fan", 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("row count = %d, want 1", len(got))
	}
	if got[0].Kind != models.KindDevice || got[0].Device == nil || !got[0].Device.Status {
		t.Errorf("device row = %+v", got[0])
	}
	if got[0].Sensor != nil {
		t.Error("device row must not carry a sensor payload")
	}
}

func TestTelemetryStoreOwnerIsolation(t *testing.T) {
	s := newTestTelemetryStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := s.Insert(ctx, models.NewSensorRecord("alice", "zone1", "zone1.temp", 21, now)); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := s.Insert(ctx, models.NewSensorRecord("bob", "zone1", "zone1.temp", 25, now)); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	got, err := s.Recent(ctx, "alice", "zone1.temp", 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 1 || got[0].Owner != "alice" {
		t.Errorf("rows = %+v, want only alice's", got)
	}
}
