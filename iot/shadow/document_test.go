// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package shadow

import (
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/canopy/iot"
)

func obj(t *testing.T, s string) Object {
	t.Helper()
	o, err := ParseObject([]byte(s))
	require.NoError(t, err)
	return o
}

func assertJSON(t *testing.T, expected string, o Object) {
	t.Helper()
	data, err := json.Marshal(o)
	require.NoError(t, err)
	assert.JSONEq(t, expected, string(data))
}

func TestMerge(t *testing.T) {
	state := obj(t, `{
		"device": {
			"name": "livingroom",
			"readings": {"temperature": 21.5, "humidity": 45, "battery": 98},
			"config": {"sample_rate": 300, "alert_threshold": 30},
			"tags": ["temperature", "humidity"]
		}
	}`)
	patch := obj(t, `{
		"device": {
			"readings": {"temperature": 23.1, "humidity": null, "co2": 800},
			"config": {"sample_rate": 600},
			"tags": ["temperature", "co2"]
		}
	}`)
	merged := Merge(state, patch)
	assertJSON(t, `{
		"device": {
			"name": "livingroom",
			"readings": {"temperature": 23.1, "battery": 98, "co2": 800},
			"config": {"sample_rate": 600, "alert_threshold": 30},
			"tags": ["temperature", "co2"]
		}
	}`, merged)

	// the inputs are untouched
	assert.Equal(t, json.Number("45"), state["device"].(Object)["readings"].(Object)["humidity"])
}

func TestMergeReplacesScalarsWithObjectsAndBack(t *testing.T) {
	merged := Merge(obj(t, `{"a": 1, "b": {"c": 2}}`), obj(t, `{"a": {"x": null, "y": 1}, "b": 3}`))
	assertJSON(t, `{"a": {"y": 1}, "b": 3}`, merged)
	assertJSON(t, `{}`, Merge(nil, obj(t, `{"gone": null}`)))
}

func TestMergeMetadata(t *testing.T) {
	meta := MergeMetadata(nil, obj(t, `{"a": 1, "b": {"c": [1, 2]}}`), 100)
	assertJSON(t, `{"a": 100, "b": {"c": 100}}`, meta)
	meta = MergeMetadata(meta, obj(t, `{"a": null, "b": {"d": true}}`), 200)
	assertJSON(t, `{"b": {"c": 100, "d": 200}}`, meta)
}

func TestDelta(t *testing.T) {
	tests := []struct {
		name     string
		reported string
		desired  string
		delta    string
	}{
		{"empty", `{}`, `{}`, `{}`},
		{"missing key", `{}`, `{"led": "on"}`, `{"led": "on"}`},
		{"different value", `{"led": "off"}`, `{"led": "on"}`, `{"led": "on"}`},
		{"equal value", `{"led": "on", "extra": 1}`, `{"led": "on"}`, `{}`},
		{"number notation", `{"t": 21}`, `{"t": 21.0}`, `{}`},
		{"nested", `{"a": {"b": 1, "c": 2}}`, `{"a": {"b": 1, "c": 3, "d": 4}}`, `{"a": {"c": 3, "d": 4}}`},
		{"nested equal", `{"a": {"b": 1, "c": 2}}`, `{"a": {"b": 1}}`, `{}`},
		{"object over scalar", `{"a": 1}`, `{"a": {"b": 1}}`, `{"a": {"b": 1}}`},
		{"arrays compare whole", `{"a": [1, 2]}`, `{"a": [1, 2, 3]}`, `{"a": [1, 2, 3]}`},
		{"arrays equal", `{"a": [1, {"x": "y"}]}`, `{"a": [1, {"x": "y"}]}`, `{}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assertJSON(t, tt.delta, Delta(obj(t, tt.reported), obj(t, tt.desired)))
		})
	}
}

func TestReportingDesiredClearsDelta(t *testing.T) {
	desired := obj(t, `{"led": "on", "mode": {"fan": 3, "heat": false}}`)
	reported := obj(t, `{"led": "off", "other": "x"}`)
	assert.NotEmpty(t, Delta(reported, desired))

	// reporting exactly the desired state converges
	reported = Merge(reported, desired)
	assert.Empty(t, Delta(reported, desired))
	// and stays converged
	assert.Empty(t, Delta(reported, desired))
}

func TestParseUpdate(t *testing.T) {
	p, err := ParseUpdate([]byte(`{"state": {"reported": {"led": "off"}}}`))
	require.NoError(t, err)
	assert.NotNil(t, p.Reported)
	assert.Nil(t, p.Desired)

	p, err = ParseUpdate([]byte(`{"state": {"desired": null}}`))
	require.NoError(t, err)
	assert.True(t, p.ResetDesired)

	for _, doc := range []string{
		`[]`,
		`{"state": {"reported": [1, 2]}}`,
		`{"state": {"reported": "on"}}`,
		`{"state": {}}`,
		`{}`,
		`not json`,
	} {
		_, err := ParseUpdate([]byte(doc))
		assert.ErrorIs(t, err, iot.ErrMalformedPatch, doc)
	}
}

func TestParseObject(t *testing.T) {
	_, err := ParseObject([]byte(`"string"`))
	assert.ErrorIs(t, err, iot.ErrMalformedPatch)
	_, err = ParseObject([]byte(`null`))
	assert.ErrorIs(t, err, iot.ErrMalformedPatch)
	o, err := ParseObject([]byte(`{"n": 12345678901234567890}`))
	require.NoError(t, err)
	assert.Equal(t, json.Number("12345678901234567890"), o["n"])
}
