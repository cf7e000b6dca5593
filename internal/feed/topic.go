// Floragate - Multi-Tenant Greenhouse Telemetry Gateway
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/floragate/floragate

// Package feed provides the topic codec: parsing and formatting of broker
// topic strings and feed-type classification.
//
// Inbound telemetry topics have the shape
//
//	{username}/feeds/{groupKey}.{feedKey}/json
//
// and outbound command topics the shape
//
//	{username}/feeds/{feedKey}
package feed

import (
	"errors"
	"strings"
)

// ErrInvalidTopic is returned for topic strings that do not match the
// telemetry topic shape. It is a rejection outcome, not an exceptional
// condition: callers drop the message and move on.
var ErrInvalidTopic = errors.New("invalid telemetry topic")

// Topic is a parsed inbound telemetry topic.
type Topic struct {
	GroupKey    string
	FeedKey     string
	FullFeedKey string
}

// ParseTopic splits an inbound telemetry topic into its group and feed
// keys. The topic must have at least four '/'-separated segments and the
// third segment must be a "<group>.<feed>" pair with both parts non-empty.
func ParseTopic(topic string) (Topic, error) {
	parts := strings.Split(topic, "/")
	if len(parts) < 4 {
		return Topic{}, ErrInvalidTopic
	}

	groupAndFeed := strings.SplitN(parts[2], ".", 2)
	if len(groupAndFeed) < 2 || groupAndFeed[0] == "" || groupAndFeed[1] == "" {
		return Topic{}, ErrInvalidTopic
	}

	return Topic{
		GroupKey:    groupAndFeed[0],
		FeedKey:     groupAndFeed[1],
		FullFeedKey: groupAndFeed[0] + "." + groupAndFeed[1],
	}, nil
}

// TelemetryTopic formats the subscription topic for a full feed key.
// It is the inverse of ParseTopic.
func TelemetryTopic(username, fullFeedKey string) string {
	return username + "/feeds/" + fullFeedKey + "/json"
}

// CommandTopic formats the outbound command topic for an actuator feed.
func CommandTopic(username, feedKey string) string {
	return username + "/feeds/" + feedKey
}
