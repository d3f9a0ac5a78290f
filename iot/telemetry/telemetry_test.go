// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package telemetry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/canopy/core/clock"
	"github.com/relabs-tech/canopy/iot"
	"github.com/relabs-tech/canopy/iot/store"
)

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func rules(names ...string) []iot.MetricRule {
	var r []iot.MetricRule
	for _, n := range names {
		r = append(r, iot.MetricRule{Name: n, JSONPointer: "/" + n, DataType: iot.Float})
	}
	return r
}

func TestResolve(t *testing.T) {
	configs := []iot.DataConfig{
		{Match: iot.MatchPrefix, Pattern: "", Metrics: rules("tenant")},
		{Match: iot.MatchPrefix, Pattern: "sensor_", Metrics: rules("prefix")},
		{Match: iot.MatchPrefix, Pattern: "sensor_x", Metrics: rules("longer")},
		{Match: iot.MatchExact, Pattern: "sensor_1", Metrics: rules("exact")},
	}
	assert.Equal(t, "exact", Resolve(configs, "sensor_1").Metrics[0].Name)
	assert.Equal(t, "prefix", Resolve(configs, "sensor_2").Metrics[0].Name)
	assert.Equal(t, "longer", Resolve(configs, "sensor_x1").Metrics[0].Name)
	assert.Equal(t, "tenant", Resolve(configs, "pump").Metrics[0].Name)
	assert.Nil(t, Resolve(configs[1:], "pump"))
}

func TestExtractIsolatesFailures(t *testing.T) {
	doc, err := ParsePayload([]byte(`{"temp": 24.1}`))
	require.NoError(t, err)
	values, failures := Extract([]iot.MetricRule{
		{Name: "temperature", JSONPointer: "/temp", DataType: iot.Float},
		{Name: "humidity", JSONPointer: "/hum", DataType: iot.Int},
	}, doc)
	require.Len(t, values, 1)
	assert.Equal(t, "temperature", values[0].Metric)
	assert.Equal(t, 24.1, *values[0].Value.Float)
	require.Len(t, failures, 1)
	assert.Equal(t, "humidity", failures[0].Metric)
}

func TestCoercion(t *testing.T) {
	doc, err := ParsePayload([]byte(`{
		"f": 1.5, "i": 7, "trunc": 9.9, "s": "12", "b": true,
		"loc": {"lat": 47.1, "long": 8.5}, "tuple": [47.1, 8.5],
		"badloc": {"lat": "x"}, "short": [1],
		"nested": {"list": [{"v": 3}]}
	}`))
	require.NoError(t, err)
	values, failures := Extract([]iot.MetricRule{
		{Name: "f", JSONPointer: "/f", DataType: iot.Float},
		{Name: "i_as_float", JSONPointer: "/i", DataType: iot.Float},
		{Name: "i", JSONPointer: "/i", DataType: iot.Int},
		{Name: "trunc", JSONPointer: "/trunc", DataType: iot.Int},
		{Name: "loc", JSONPointer: "/loc", DataType: iot.LocationObject},
		{Name: "tuple", JSONPointer: "/tuple", DataType: iot.LocationTuple},
		{Name: "nested", JSONPointer: "/nested/list/0/v", DataType: iot.Int},
		{Name: "s", JSONPointer: "/s", DataType: iot.Float},
		{Name: "b", JSONPointer: "/b", DataType: iot.Int},
		{Name: "badloc", JSONPointer: "/badloc", DataType: iot.LocationObject},
		{Name: "short", JSONPointer: "/short", DataType: iot.LocationTuple},
		{Name: "loc_as_float", JSONPointer: "/loc", DataType: iot.Float},
		{Name: "bad_pointer", JSONPointer: "no-slash", DataType: iot.Float},
	}, doc)
	got := map[string]iot.MetricValue{}
	for _, v := range values {
		got[v.Metric] = v.Value
	}
	require.Len(t, got, 7)
	assert.Equal(t, 1.5, *got["f"].Float)
	assert.Equal(t, 7.0, *got["i_as_float"].Float)
	assert.Equal(t, int64(7), *got["i"].Int)
	assert.Equal(t, int64(9), *got["trunc"].Int)
	assert.Equal(t, iot.LatLong{Lat: 47.1, Long: 8.5}, *got["loc"].Location)
	assert.Equal(t, iot.LatLong{Lat: 47.1, Long: 8.5}, *got["tuple"].Location)
	assert.Equal(t, int64(3), *got["nested"].Int)
	assert.Len(t, failures, 6)
}

func TestValidateConfig(t *testing.T) {
	ok := iot.DataConfig{Match: iot.MatchPrefix, Metrics: rules("a", "b")}
	assert.NoError(t, ValidateConfig(&ok))

	for _, bad := range []iot.DataConfig{
		{Match: "fuzzy"},
		{Match: iot.MatchExact, Pattern: ""},
		{Match: iot.MatchPrefix, Metrics: rules("a", "a")},
		{Match: iot.MatchPrefix, Metrics: []iot.MetricRule{{Name: "", JSONPointer: "/a", DataType: iot.Float}}},
		{Match: iot.MatchPrefix, Metrics: []iot.MetricRule{{Name: "a", JSONPointer: "/a", DataType: "Complex"}}},
		{Match: iot.MatchPrefix, Metrics: []iot.MetricRule{{Name: "a", JSONPointer: "a", DataType: iot.Float}}},
	} {
		assert.ErrorIs(t, ValidateConfig(&bad), iot.ErrMalformedRequest)
	}
}

type recordingSink struct {
	mu      sync.Mutex
	samples []iot.MetricSample
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) WriteSamples(_ context.Context, samples []iot.MetricSample) error {
	s.mu.Lock()
	s.samples = append(s.samples, samples...)
	s.mu.Unlock()
	return nil
}

func newPipeline(t *testing.T, sinks ...Sink) (*Pipeline, *store.Memory) {
	s := store.NewMemory()
	p := New(&Builder{Store: s, Sinks: sinks, Clock: clock.Fake(epoch), FlushInterval: 5 * time.Millisecond})
	t.Cleanup(p.Close)
	return p, s
}

func TestSensorScenario(t *testing.T) {
	ctx := context.Background()
	sink := &recordingSink{}
	p, _ := newPipeline(t, sink)
	_, err := p.PutConfig(ctx, iot.DataConfig{
		TenantID: "acme",
		Match:    iot.MatchPrefix,
		Pattern:  "sensor_",
		Metrics: []iot.MetricRule{
			{Name: "temperature", JSONPointer: "/temp", DataType: iot.Float},
			{Name: "humidity", JSONPointer: "/hum", DataType: iot.Int},
		},
	})
	require.NoError(t, err)

	device := iot.DeviceKey{TenantID: "acme", DeviceID: "sensor_1"}
	result, err := p.IngestSync(ctx, device, []byte(`{"temp": 22.4, "hum": 65}`), time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Accepted)
	assert.Equal(t, 0, result.Skipped)

	last, err := p.Last(ctx, device, "temperature", 1)
	require.NoError(t, err)
	require.Len(t, last, 1)
	assert.Equal(t, 22.4, *last[0].Value.Float)
	assert.Equal(t, epoch, last[0].Timestamp)

	sink.mu.Lock()
	assert.Len(t, sink.samples, 2)
	sink.mu.Unlock()

	payloads, accepted, skipped := p.Counters()
	assert.Equal(t, int64(1), payloads)
	assert.Equal(t, int64(2), accepted)
	assert.Equal(t, int64(0), skipped)
}

func TestIngestWithoutConfig(t *testing.T) {
	p, _ := newPipeline(t)
	result, err := p.Ingest(context.Background(), iot.DeviceKey{TenantID: "acme", DeviceID: "x"}, []byte(`{"temp": 1}`), epoch)
	require.NoError(t, err)
	assert.Equal(t, Result{}, *result)

	_, err = p.Ingest(context.Background(), iot.DeviceKey{TenantID: "acme", DeviceID: "x"}, []byte(`{"temp":`), epoch)
	assert.ErrorIs(t, err, iot.ErrMalformedRequest)
}

func TestConfigChangesApplyImmediately(t *testing.T) {
	ctx := context.Background()
	p, _ := newPipeline(t)
	device := iot.DeviceKey{TenantID: "acme", DeviceID: "sensor_1"}
	_, err := p.PutConfig(ctx, iot.DataConfig{TenantID: "acme", Match: iot.MatchPrefix, Pattern: "sensor_", Metrics: rules("a")})
	require.NoError(t, err)
	c, err := p.ResolveConfig(ctx, device)
	require.NoError(t, err)
	assert.Equal(t, "a", c.Metrics[0].Name)

	_, err = p.PutConfig(ctx, iot.DataConfig{TenantID: "acme", Match: iot.MatchExact, Pattern: "sensor_1", Metrics: rules("b")})
	require.NoError(t, err)
	c, err = p.ResolveConfig(ctx, device)
	require.NoError(t, err)
	assert.Equal(t, "b", c.Metrics[0].Name)

	require.NoError(t, p.DeleteConfig(ctx, "acme", iot.MatchExact, "sensor_1"))
	require.NoError(t, p.DeleteConfig(ctx, "acme", iot.MatchPrefix, "sensor_"))
	_, err = p.ResolveConfig(ctx, device)
	assert.ErrorIs(t, err, iot.ErrNotFound)
}

func TestListConfigsOrder(t *testing.T) {
	ctx := context.Background()
	p, _ := newPipeline(t)
	for _, c := range []iot.DataConfig{
		{TenantID: "acme", Match: iot.MatchExact, Pattern: "a1"},
		{TenantID: "acme", Match: iot.MatchPrefix, Pattern: "b"},
		{TenantID: "acme", Match: iot.MatchPrefix, Pattern: ""},
	} {
		_, err := p.PutConfig(ctx, c)
		require.NoError(t, err)
	}
	list, err := p.ListConfigs(ctx, "acme")
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "", list[0].Pattern)
	assert.Equal(t, "b", list[1].Pattern)
	assert.Equal(t, "a1", list[2].Pattern)
}

func TestRangeAndLastOrder(t *testing.T) {
	ctx := context.Background()
	p, _ := newPipeline(t)
	device := iot.DeviceKey{TenantID: "acme", DeviceID: "sensor_1"}
	_, err := p.PutConfig(ctx, iot.DataConfig{TenantID: "acme", Match: iot.MatchExact, Pattern: "sensor_1", Metrics: rules("v")})
	require.NoError(t, err)
	// out of order arrival
	for _, i := range []int{3, 1, 4, 0, 2} {
		_, err := p.IngestSync(ctx, device, []byte(`{"v": `+string(rune('0'+i))+`}`), epoch.Add(time.Duration(i)*time.Minute))
		require.NoError(t, err)
	}
	last, err := p.Last(ctx, device, "v", 3)
	require.NoError(t, err)
	require.Len(t, last, 3)
	assert.Equal(t, 2.0, *last[0].Value.Float)
	assert.Equal(t, 4.0, *last[2].Value.Float)

	r, err := p.Range(ctx, device, "v", epoch.Add(time.Minute), epoch.Add(3*time.Minute))
	require.NoError(t, err)
	require.Len(t, r, 2)
	assert.Equal(t, 1.0, *r[0].Value.Float)

	_, err = p.Range(ctx, device, "v", epoch, epoch)
	assert.ErrorIs(t, err, iot.ErrMalformedRequest)
	_, err = p.Last(ctx, device, "v", 0)
	assert.ErrorIs(t, err, iot.ErrMalformedRequest)
}

type blockingSamples struct {
	*store.Memory
	release chan struct{}
}

func (s blockingSamples) AppendSamples(ctx context.Context, samples []iot.MetricSample) error {
	<-s.release
	return s.Memory.AppendSamples(ctx, samples)
}

func TestBackpressure(t *testing.T) {
	ctx := context.Background()
	s := blockingSamples{Memory: store.NewMemory(), release: make(chan struct{})}
	p := New(&Builder{Store: s, Clock: clock.Fake(epoch), QueueCapacity: 1, Workers: 1, BatchSize: 1, EnqueueTimeout: 20 * time.Millisecond})
	_, err := p.PutConfig(ctx, iot.DataConfig{TenantID: "acme", Match: iot.MatchPrefix, Metrics: rules("v")})
	require.NoError(t, err)
	device := iot.DeviceKey{TenantID: "acme", DeviceID: "d"}

	var lastErr error
	for i := 0; i < 5 && lastErr == nil; i++ {
		_, lastErr = p.Ingest(ctx, device, []byte(`{"v": 1}`), time.Time{})
	}
	assert.ErrorIs(t, lastErr, iot.ErrStorageUnavailable)
	close(s.release)
	p.Close()
	assert.Equal(t, int64(1), p.QueueStats().Rejected)
}

type flakySamples struct {
	*store.Memory
	mu   sync.Mutex
	down bool
}

func (s *flakySamples) setDown(down bool) {
	s.mu.Lock()
	s.down = down
	s.mu.Unlock()
}

func (s *flakySamples) AppendSamples(ctx context.Context, samples []iot.MetricSample) error {
	s.mu.Lock()
	down := s.down
	s.mu.Unlock()
	if down {
		return errors.New("database is gone")
	}
	return s.Memory.AppendSamples(ctx, samples)
}

func TestAcceptedSamplesSurviveStorageOutage(t *testing.T) {
	ctx := context.Background()
	s := &flakySamples{Memory: store.NewMemory(), down: true}
	p := New(&Builder{Store: s, Clock: clock.Fake(epoch), Workers: 1, BatchSize: 1})
	_, err := p.PutConfig(ctx, iot.DataConfig{TenantID: "acme", Match: iot.MatchPrefix, Metrics: rules("v")})
	require.NoError(t, err)
	device := iot.DeviceKey{TenantID: "acme", DeviceID: "d"}

	for i := 0; i < 3; i++ {
		result, err := p.Ingest(ctx, device, []byte(`{"v": 1}`), epoch.Add(time.Duration(i)*time.Second))
		require.NoError(t, err)
		assert.Equal(t, 1, result.Accepted)
	}
	// longer than a waiting writer would wait
	require.Eventually(t, func() bool { return p.QueueStats().Retries >= 5 }, 5*time.Second, 10*time.Millisecond)

	s.setDown(false)
	require.Eventually(t, func() bool { return p.QueueStats().Written == 3 }, 10*time.Second, 10*time.Millisecond)
	p.Close()

	stored, err := s.LastSamples(ctx, device, "v", 10)
	require.NoError(t, err)
	assert.Len(t, stored, 3)
	assert.Equal(t, int64(0), p.QueueStats().Dropped)
}
