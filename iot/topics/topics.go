// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*Package topics names the MQTT topics of devices and classifies inbound topics.

With the default prefix "things/" a device with client id "acme.lamp" uses

	things/acme.lamp/shadow/update              reported state in
	things/acme.lamp/shadow/update/delta        delta out
	things/acme.lamp/shadow/garage/update       named shadow in
	things/acme.lamp/shadow/garage/update/delta named shadow delta out
	things/acme.lamp/data                       telemetry in
	things/acme.lamp/time/request               time request in
	things/acme.lamp/time/response              time response out

Additional telemetry topics can be configured as patterns in which the segment
"+" stands for the client id, for example "sensors/+/measurements".
*/
package topics

import (
	"fmt"
	"strings"

	"github.com/DrmagicE/gmqtt/pkg/packets"

	"github.com/relabs-tech/canopy/iot"
	"github.com/relabs-tech/canopy/iot/identity"
)

// Kind is the class of an inbound topic
type Kind int

const (
	// Unknown topics are not processed
	Unknown Kind = iota
	// ShadowUpdate carries a shadow update document
	ShadowUpdate
	// Telemetry carries a telemetry payload
	Telemetry
	// TimeRequest asks for the server time
	TimeRequest
)

func (k Kind) String() string {
	switch k {
	case ShadowUpdate:
		return "shadow-update"
	case Telemetry:
		return "telemetry"
	case TimeRequest:
		return "time-request"
	}
	return "unknown"
}

// Route is a classified topic
type Route struct {
	Kind       Kind
	Device     iot.DeviceKey
	ShadowName string
}

// Topics builds and classifies topics for one prefix
type Topics struct {
	prefix   string
	patterns [][]string
}

// New returns Topics for prefix. The prefix gets a trailing slash if it has none.
// Each telemetry pattern must contain exactly one "+" segment.
func New(prefix string, telemetryPatterns []string) (*Topics, error) {
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	if strings.ContainsAny(prefix, "+#") {
		return nil, fmt.Errorf("topic prefix '%s' must not contain wildcards", prefix)
	}
	t := &Topics{prefix: prefix}
	for _, p := range telemetryPatterns {
		segments := strings.Split(p, "/")
		plus := 0
		for _, s := range segments {
			if s == "+" {
				plus++
			} else if strings.ContainsAny(s, "+#") {
				return nil, fmt.Errorf("telemetry pattern '%s' has an invalid segment '%s'", p, s)
			}
		}
		if plus != 1 {
			return nil, fmt.Errorf("telemetry pattern '%s' needs exactly one '+' segment", p)
		}
		t.patterns = append(t.patterns, segments)
	}
	return t, nil
}

// MustNew is New which panics on error
func MustNew(prefix string, telemetryPatterns []string) *Topics {
	t, err := New(prefix, telemetryPatterns)
	if err != nil {
		panic(err)
	}
	return t
}

// Prefix returns the topic prefix
func (t *Topics) Prefix() string {
	return t.prefix
}

func (t *Topics) base(device iot.DeviceKey) string {
	return t.prefix + identity.ClientID(device) + "/"
}

func shadowPath(name string) string {
	name = identity.ShadowName(name)
	if name == iot.DefaultShadow {
		return "shadow/update"
	}
	return "shadow/" + name + "/update"
}

// ShadowUpdate returns the topic a device reports its state on
func (t *Topics) ShadowUpdate(device iot.DeviceKey, name string) string {
	return t.base(device) + shadowPath(name)
}

// ShadowDelta returns the topic deltas are published on
func (t *Topics) ShadowDelta(device iot.DeviceKey, name string) string {
	return t.base(device) + shadowPath(name) + "/delta"
}

// Data returns the telemetry topic of a device
func (t *Topics) Data(device iot.DeviceKey) string {
	return t.base(device) + "data"
}

// TimeRequest returns the topic a device asks for the time on
func (t *Topics) TimeRequest(device iot.DeviceKey) string {
	return t.base(device) + "time/request"
}

// TimeResponse returns the topic time responses are published on
func (t *Topics) TimeResponse(device iot.DeviceKey) string {
	return t.base(device) + "time/response"
}

// Classify returns the route of an inbound topic
func (t *Topics) Classify(topic string) Route {
	if strings.HasPrefix(topic, t.prefix) {
		if r := t.classifyPrefixed(strings.TrimPrefix(topic, t.prefix)); r.Kind != Unknown {
			return r
		}
	}
	segments := strings.Split(topic, "/")
	for _, pattern := range t.patterns {
		if len(pattern) != len(segments) {
			continue
		}
		client := ""
		match := true
		for i, p := range pattern {
			if p == "+" {
				client = segments[i]
			} else if p != segments[i] {
				match = false
				break
			}
		}
		if !match {
			continue
		}
		if device, err := identity.ParseClientID(client); err == nil {
			return Route{Kind: Telemetry, Device: device}
		}
	}
	return Route{}
}

func (t *Topics) classifyPrefixed(rest string) Route {
	segments := strings.Split(rest, "/")
	if len(segments) < 2 {
		return Route{}
	}
	device, err := identity.ParseClientID(segments[0])
	if err != nil {
		return Route{}
	}
	route := Route{Device: device}
	switch s := segments[1:]; {
	case len(s) == 2 && s[0] == "shadow" && s[1] == "update":
		route.Kind, route.ShadowName = ShadowUpdate, iot.DefaultShadow
	case len(s) == 3 && s[0] == "shadow" && s[2] == "update" && identity.ValidName(s[1]):
		route.Kind, route.ShadowName = ShadowUpdate, identity.ShadowName(s[1])
	case len(s) == 1 && s[0] == "data":
		route.Kind = Telemetry
	case len(s) == 2 && s[0] == "time" && s[1] == "request":
		route.Kind = TimeRequest
	default:
		return Route{}
	}
	return route
}

// Match returns true if the subscription filter is valid and matches topic
func Match(filter, topic string) bool {
	return packets.ValidTopicFilter([]byte(filter)) && packets.TopicMatch([]byte(topic), []byte(filter))
}

// HasWildcard returns true if filter contains "+" or "#"
func HasWildcard(filter string) bool {
	return strings.ContainsAny(filter, "+#")
}

// MaySubscribe returns true if device may subscribe to filter. Devices may only
// subscribe below their own client id, and not with a wildcard in its place.
func (t *Topics) MaySubscribe(device iot.DeviceKey, filter string) bool {
	return strings.HasPrefix(filter, t.base(device))
}

// MayPublish returns true if device may publish on topic: only on its own topics
func (t *Topics) MayPublish(device iot.DeviceKey, topic string) bool {
	route := t.Classify(topic)
	return route.Kind != Unknown && route.Device == device
}
