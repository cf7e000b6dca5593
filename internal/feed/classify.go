// Floragate - Multi-Tenant Greenhouse Telemetry Gateway
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/floragate/floragate

package feed

import (
	"strings"

	"github.com/floragate/floragate/internal/models"
)

// kindTable maps feed-key tokens to their telemetry kind. Populated once
// at startup; queried for every inbound message.
var kindTable = map[string]models.TelemetryKind{
	// Sensor feeds
	"temp":  models.KindSensor,
	"hum":   models.KindSensor,
	"light": models.KindSensor,

	// Device (actuator) feeds
	"fan":  models.KindDevice,
	"pump": models.KindDevice,
}

// Classify determines the telemetry kind of a feed from the feed-key
// token after the group prefix. "grp1.temp" is a sensor, "grp1.fan" a
// device; anything unlisted is KindUnknown.
func Classify(fullFeedKey string) models.TelemetryKind {
	key := fullFeedKey
	if i := strings.IndexByte(fullFeedKey, '.'); i >= 0 {
		key = fullFeedKey[i+1:]
	}
	if kind, ok := kindTable[key]; ok {
		return kind
	}
	return models.KindUnknown
}
