// Floragate - Multi-Tenant Greenhouse Telemetry Gateway
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/floragate/floragate

package router

import (
	"bytes"
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/goccy/go-json"

	"github.com/floragate/floragate/internal/feed"
	"github.com/floragate/floragate/internal/logging"
	"github.com/floragate/floragate/internal/metrics"
	"github.com/floragate/floragate/internal/models"
	"github.com/floragate/floragate/internal/store"
)

// inboundEnvelope is the broker payload shape: {"data":{"value":...}}.
// Value arrives as a JSON string from well-behaved publishers but some
// firmware sends bare numbers, so it is decoded leniently.
type inboundEnvelope struct {
	Data struct {
		Value json.RawMessage `json:"value"`
	} `json:"data"`
}

// extractValue returns data.value as its string form.
func extractValue(payload []byte) (string, error) {
	var env inboundEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return "", err
	}
	raw := bytes.TrimSpace(env.Data.Value)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", errors.New("missing data.value")
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", err
		}
		return s, nil
	}
	return string(raw), nil
}

// deviceStatus maps a raw device value to on/off. Only "1" and "true"
// switch a device on; everything else reads as off.
func deviceStatus(value string) bool {
	return value == "1" || value == "true"
}

// process runs one inbound message through the full pipeline: topic
// parse, value extraction, rule evaluation, persistence, then fan-out.
// Fan-out strictly follows successful persistence so live clients only
// ever see durably recorded readings.
func (t *TelemetryRouter) process(ctx context.Context, user models.User, brokerTopic string, payload []byte) {
	topic, err := feed.ParseTopic(brokerTopic)
	if err != nil {
		metrics.TelemetryMessages.WithLabelValues("invalid_topic").Inc()
		logging.Warn().Str("user", user.ID).Str("topic", brokerTopic).Msg("unparseable topic, dropping")
		return
	}

	value, err := extractValue(payload)
	if err != nil {
		metrics.TelemetryMessages.WithLabelValues("invalid_payload").Inc()
		logging.Warn().Err(err).Str("user", user.ID).Str("topic", brokerTopic).Msg("unparseable payload, dropping")
		return
	}

	kind := feed.Classify(topic.FullFeedKey)

	// Rule evaluation sees every numeric reading, before persistence,
	// so actuation latency does not ride on storage.
	if numeric, convErr := strconv.ParseFloat(value, 64); convErr == nil {
		t.evaluateRule(ctx, user, topic.FullFeedKey, numeric)
	} else if kind == models.KindSensor {
		metrics.TelemetryMessages.WithLabelValues("invalid_payload").Inc()
		logging.Warn().Str("user", user.ID).Str("feed", topic.FullFeedKey).Str("value", value).Msg("non-numeric sensor value, dropping")
		return
	}

	var rec *models.TelemetryRecord
	switch kind {
	case models.KindSensor:
		numeric, _ := strconv.ParseFloat(value, 64)
		rec = models.NewSensorRecord(user.ID, topic.GroupKey, topic.FullFeedKey, numeric, time.Now().UTC())
	case models.KindDevice:
		rec = models.NewDeviceRecord(user.ID, topic.GroupKey, topic.FullFeedKey, deviceStatus(value), time.Now().UTC())
	default:
		metrics.TelemetryMessages.WithLabelValues("unknown_kind").Inc()
		logging.Warn().Str("user", user.ID).Str("feed", topic.FullFeedKey).Msg("unclassified feed, dropping")
		return
	}

	if err := t.telemetry.Insert(ctx, rec); err != nil {
		metrics.TelemetryMessages.WithLabelValues("persist_error").Inc()
		logging.Error().Err(err).Str("user", user.ID).Str("feed", topic.FullFeedKey).Msg("persist failed, reading not fanned out")
		return
	}

	t.fanout.Publish(user.ID, string(payload))
	metrics.TelemetryMessages.WithLabelValues("ok").Inc()
}

// evaluateRule looks up the feed's rule, if any, and runs the engine.
// Rule absence is the common case and not an error.
func (t *TelemetryRouter) evaluateRule(ctx context.Context, user models.User, fullFeedKey string, value float64) {
	rule, err := t.ruleStore.Get(ctx, user.ID, fullFeedKey)
	if errors.Is(err, store.ErrRuleNotFound) {
		return
	}
	if err != nil {
		logging.Error().Err(err).Str("user", user.ID).Str("feed", fullFeedKey).Msg("rule lookup failed")
		return
	}
	if err := t.engine.Evaluate(ctx, user, rule, value); err != nil {
		logging.Error().Err(err).Str("user", user.ID).Str("rule", rule.ID).Msg("rule evaluation failed")
	}
}
