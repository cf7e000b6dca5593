// Floragate - Multi-Tenant Greenhouse Telemetry Gateway
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/floragate/floragate

// Package models defines the shared data types for the gateway:
// users and their broker credentials, feed rules, and telemetry records.
package models

import (
	"time"

	"github.com/google/uuid"
)

// Credential is the per-user broker identity. Each user's inbound
// connection and outbound command publisher authenticate with it 1:1.
type Credential struct {
	Username string `json:"username"`
	Secret   string `json:"-"`
}

// User identifies a gateway tenant. The user catalog itself is an
// external collaborator; this is the projection the pipeline needs.
type User struct {
	ID         string     `json:"id"`
	Email      string     `json:"email"`
	Credential Credential `json:"credential"`
}

// Username returns the broker username, which doubles as the topic prefix.
func (u User) Username() string {
	return u.Credential.Username
}

// FeedRule is a threshold rule for one input feed. Ceiling/Floor are the
// bounds; at least one is set. The runtime fields LastViolationStart and
// ContinuousViolation are mutated only by the rule engine and persisted
// back after every evaluation that changes them.
//
// Invariant: LastViolationStart is non-nil iff the rule is mid-episode;
// both runtime fields are always reset together.
type FeedRule struct {
	ID       string `json:"id"`
	Owner    string `json:"owner"`
	GroupKey string `json:"group_key"`

	// InputFeed is the full feed key "<group>.<feed>" the rule watches.
	InputFeed string `json:"input_feed"`

	Ceiling *float64 `json:"ceiling,omitempty"`
	Floor   *float64 `json:"floor,omitempty"`

	// OutputFeedAbove/Below are the actuator feed keys commanded when
	// correcting; AboveValue/BelowValue are the raw payloads published.
	OutputFeedAbove string `json:"output_feed_above,omitempty"`
	OutputFeedBelow string `json:"output_feed_below,omitempty"`
	AboveValue      string `json:"above_value,omitempty"`
	BelowValue      string `json:"below_value,omitempty"`

	LastViolationStart  *time.Time `json:"last_violation_start,omitempty"`
	ContinuousViolation *bool      `json:"continuous_violation,omitempty"`
}

// InEpisode reports whether the rule is currently mid-violation-episode.
func (r *FeedRule) InEpisode() bool {
	return r.LastViolationStart != nil
}

// ResetEpisode clears both runtime fields together.
func (r *FeedRule) ResetEpisode() {
	r.LastViolationStart = nil
	r.ContinuousViolation = nil
}

// TelemetryKind classifies a feed as sensor or device.
type TelemetryKind string

const (
	KindSensor  TelemetryKind = "sensor"
	KindDevice  TelemetryKind = "device"
	KindUnknown TelemetryKind = "unknown"
)

// SensorPayload is the sensor variant of a telemetry record.
type SensorPayload struct {
	Value float64 `json:"value"`
}

// DevicePayload is the device variant of a telemetry record.
type DevicePayload struct {
	Status bool `json:"status"`
}

// TelemetryRecord is one classified reading: a common envelope plus
// exactly one variant payload matching Kind.
type TelemetryRecord struct {
	ID        uuid.UUID     `json:"id"`
	Owner     string        `json:"owner"`
	GroupKey  string        `json:"group_key"`
	FeedKey   string        `json:"feed_key"`
	Kind      TelemetryKind `json:"kind"`
	Timestamp time.Time     `json:"timestamp"`

	Sensor *SensorPayload `json:"sensor,omitempty"`
	Device *DevicePayload `json:"device,omitempty"`
}

// NewSensorRecord builds a sensor reading with a fresh id.
func NewSensorRecord(owner, groupKey, feedKey string, value float64, ts time.Time) *TelemetryRecord {
	return &TelemetryRecord{
		ID:        uuid.New(),
		Owner:     owner,
		GroupKey:  groupKey,
		FeedKey:   feedKey,
		Kind:      KindSensor,
		Timestamp: ts,
		Sensor:    &SensorPayload{Value: value},
	}
}

// NewDeviceRecord builds a device reading with a fresh id.
func NewDeviceRecord(owner, groupKey, feedKey string, status bool, ts time.Time) *TelemetryRecord {
	return &TelemetryRecord{
		ID:        uuid.New(),
		Owner:     owner,
		GroupKey:  groupKey,
		FeedKey:   feedKey,
		Kind:      KindDevice,
		Timestamp: ts,
		Device:    &DevicePayload{Status: status},
	}
}
