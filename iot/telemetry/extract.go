// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package telemetry

import (
	"bytes"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/goccy/go-json"
	"github.com/xeipuuv/gojsonpointer"

	"github.com/relabs-tech/canopy/iot"
)

// Extracted is one metric value taken from a payload
type Extracted struct {
	Metric string
	Value  iot.MetricValue
}

// Resolve returns the data config which applies to deviceID: an exact match wins,
// otherwise the longest matching prefix. The empty prefix matches every device. It
// returns nil if nothing matches.
func Resolve(configs []iot.DataConfig, deviceID string) *iot.DataConfig {
	var best *iot.DataConfig
	for i := range configs {
		c := &configs[i]
		if !c.Matches(deviceID) {
			continue
		}
		if c.Match == iot.MatchExact {
			return c
		}
		if best == nil || len(c.Pattern) > len(best.Pattern) {
			best = c
		}
	}
	return best
}

// ParsePayload parses a telemetry payload with numbers kept as json.Number
func ParsePayload(payload []byte) (interface{}, error) {
	var document interface{}
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	if err := dec.Decode(&document); err != nil {
		return nil, fmt.Errorf("%w: payload is not JSON: %v", iot.ErrMalformedRequest, err)
	}
	return document, nil
}

// Extract applies the rules to document. A rule whose pointer does not resolve, or
// whose value does not fit its data type, is skipped and reported as a failure; the
// other rules are not affected.
func Extract(rules []iot.MetricRule, document interface{}) ([]Extracted, []iot.ExtractionFailure) {
	var values []Extracted
	var failures []iot.ExtractionFailure
	for _, rule := range rules {
		value, err := extractOne(rule, document)
		if err != nil {
			failures = append(failures, iot.ExtractionFailure{Metric: rule.Name, Reason: err.Error()})
			continue
		}
		values = append(values, Extracted{Metric: rule.Name, Value: value})
	}
	return values, failures
}

func extractOne(rule iot.MetricRule, document interface{}) (v iot.MetricValue, err error) {
	defer func() {
		// gojsonpointer panics on some malformed documents
		if r := recover(); r != nil {
			err = fmt.Errorf("pointer evaluation failed: %v", r)
		}
	}()
	pointer, err := gojsonpointer.NewJsonPointer(rule.JSONPointer)
	if err != nil {
		return v, err
	}
	node, _, err := pointer.Get(document)
	if err != nil {
		return v, fmt.Errorf("pointer %s does not resolve", rule.JSONPointer)
	}
	return coerce(node, rule.DataType)
}

func number(node interface{}) (float64, bool) {
	switch n := node.(type) {
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	}
	return 0, false
}

func coerce(node interface{}, dataType iot.DataType) (iot.MetricValue, error) {
	switch dataType {
	case iot.Float:
		f, ok := number(node)
		if !ok || math.IsInf(f, 0) || math.IsNaN(f) {
			return iot.MetricValue{}, fmt.Errorf("value is not a number")
		}
		return iot.FloatValue(f), nil
	case iot.Int:
		if n, ok := node.(json.Number); ok {
			if i, err := n.Int64(); err == nil {
				return iot.IntValue(i), nil
			}
		}
		f, ok := number(node)
		if !ok || f >= math.MaxInt64 || f <= math.MinInt64 || math.IsNaN(f) {
			return iot.MetricValue{}, fmt.Errorf("value is not an integer")
		}
		return iot.IntValue(int64(f)), nil
	case iot.LocationObject:
		obj, ok := node.(map[string]interface{})
		if !ok {
			return iot.MetricValue{}, fmt.Errorf("value is not a location object")
		}
		lat, okLat := number(obj["lat"])
		long, okLong := number(obj["long"])
		if !okLat || !okLong {
			return iot.MetricValue{}, fmt.Errorf("location object needs numeric lat and long")
		}
		return iot.LocationValue(lat, long), nil
	case iot.LocationTuple:
		arr, ok := node.([]interface{})
		if !ok || len(arr) < 2 {
			return iot.MetricValue{}, fmt.Errorf("value is not a location tuple")
		}
		lat, okLat := number(arr[0])
		long, okLong := number(arr[1])
		if !okLat || !okLong {
			return iot.MetricValue{}, fmt.Errorf("location tuple needs numeric lat and long")
		}
		return iot.LocationValue(lat, long), nil
	}
	return iot.MetricValue{}, fmt.Errorf("unknown data type %s", dataType)
}

// ValidateConfig checks a data config before it is stored
func ValidateConfig(config *iot.DataConfig) error {
	if config.Match != iot.MatchExact && config.Match != iot.MatchPrefix {
		return fmt.Errorf("%w: unknown match kind '%s'", iot.ErrMalformedRequest, config.Match)
	}
	if config.Match == iot.MatchExact && config.Pattern == "" {
		return fmt.Errorf("%w: exact match needs a device id", iot.ErrMalformedRequest)
	}
	names := map[string]bool{}
	for _, rule := range config.Metrics {
		if strings.TrimSpace(rule.Name) == "" {
			return fmt.Errorf("%w: metric without name", iot.ErrMalformedRequest)
		}
		if names[rule.Name] {
			return fmt.Errorf("%w: metric '%s' is defined twice", iot.ErrMalformedRequest, rule.Name)
		}
		names[rule.Name] = true
		if !rule.DataType.Valid() {
			return fmt.Errorf("%w: metric '%s' has unknown data type '%s'", iot.ErrMalformedRequest, rule.Name, rule.DataType)
		}
		if _, err := gojsonpointer.NewJsonPointer(rule.JSONPointer); err != nil {
			return fmt.Errorf("%w: metric '%s': %v", iot.ErrMalformedRequest, rule.Name, err)
		}
	}
	return nil
}

// sortConfigs orders configs for listing: tenant wide first, then prefixes, then exact matches
func sortConfigs(configs []iot.DataConfig) {
	rank := func(c iot.DataConfig) int {
		switch {
		case c.Match == iot.MatchPrefix && c.Pattern == "":
			return 0
		case c.Match == iot.MatchPrefix:
			return 1
		}
		return 2
	}
	sort.Slice(configs, func(i, j int) bool {
		ri, rj := rank(configs[i]), rank(configs[j])
		if ri != rj {
			return ri < rj
		}
		return configs[i].Pattern < configs[j].Pattern
	})
}
