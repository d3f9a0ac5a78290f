// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*Package telemetry is the telemetry extraction pipeline.

Devices send arbitrary JSON payloads. A tenant's data configurations say which
values to take out of them: each is a list of metric rules (name, JSON pointer,
data type) and applies to one device id or to all device ids with a prefix. For
a payload exactly one configuration applies, the exact match if there is one,
otherwise the longest prefix.

Extracted samples are written through a bounded queue to the store and then
handed to the configured sinks.
*/
package telemetry

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/relabs-tech/canopy/core/clock"
	"github.com/relabs-tech/canopy/core/logger"
	"github.com/relabs-tech/canopy/core/queue"
	"github.com/relabs-tech/canopy/iot"
	"github.com/relabs-tech/canopy/iot/store"
)

// Sink receives every batch of samples after it was stored
type Sink interface {
	Name() string
	WriteSamples(ctx context.Context, samples []iot.MetricSample) error
}

// Store is the part of the store the pipeline needs
type Store interface {
	store.DataConfigs
	store.Samples
}

// Result is the outcome of one ingest call
type Result struct {
	Accepted int                     `json:"accepted"`
	Skipped  int                     `json:"skipped"`
	Failures []iot.ExtractionFailure `json:"-"`
}

// Builder is a builder helper for the Pipeline
type Builder struct {
	// Store holds data configurations and samples. This is mandatory.
	Store Store
	// Sinks receive stored samples. Optional.
	Sinks []Sink
	// Clock is the time source for payloads without timestamp. Default is the real clock.
	Clock clock.Clock
	// QueueCapacity, Workers, BatchSize, FlushInterval and EnqueueTimeout configure
	// the write queue. See queue.Builder for defaults.
	QueueCapacity  int
	Workers        int
	BatchSize      int
	FlushInterval  time.Duration
	EnqueueTimeout time.Duration
}

// Pipeline is the telemetry extraction pipeline
type Pipeline struct {
	store  Store
	sinks  []Sink
	clock  clock.Clock
	writes *queue.Queue[[]iot.MetricSample]

	configMu  sync.RWMutex
	configs   map[string][]iot.DataConfig
	configGen uint64

	accepted atomic.Int64
	skipped  atomic.Int64
	payloads atomic.Int64
}

// New returns a new Pipeline and starts its write queue
func New(b *Builder) *Pipeline {
	if b.Store == nil {
		panic("store is missing")
	}
	c := b.Clock
	if c == nil {
		c = clock.Real()
	}
	p := &Pipeline{
		store:   b.Store,
		sinks:   b.Sinks,
		clock:   c,
		configs: map[string][]iot.DataConfig{},
	}
	batchSize := b.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	p.writes = queue.New(&queue.Builder[[]iot.MetricSample]{
		Name:           "telemetry",
		Handler:        p.persist,
		Capacity:       b.QueueCapacity,
		Workers:        b.Workers,
		BatchSize:      batchSize,
		FlushInterval:  b.FlushInterval,
		EnqueueTimeout: b.EnqueueTimeout,
	})
	return p
}

func (p *Pipeline) persist(ctx context.Context, batch [][]iot.MetricSample) error {
	var samples []iot.MetricSample
	for _, s := range batch {
		samples = append(samples, s...)
	}
	if err := p.store.AppendSamples(ctx, samples); err != nil {
		if store.IsDataError(err) {
			return queue.Permanent(err)
		}
		return err
	}
	for _, sink := range p.sinks {
		if err := sink.WriteSamples(ctx, samples); err != nil {
			// the store is the source of truth; sinks are mirrors
			logger.FromContext(ctx).WithError(err).Warnf("sink %s dropped %d samples", sink.Name(), len(samples))
		}
	}
	return nil
}

// Close drains the write queue
func (p *Pipeline) Close() {
	p.writes.Close()
}

// QueueStats returns the statistics of the write queue
func (p *Pipeline) QueueStats() queue.Stats {
	return p.writes.Stats()
}

// QueueLen returns the number of queued payloads
func (p *Pipeline) QueueLen() int {
	return p.writes.Len()
}

// Counters returns the number of ingested payloads, accepted samples and skipped rules
func (p *Pipeline) Counters() (payloads, accepted, skipped int64) {
	return p.payloads.Load(), p.accepted.Load(), p.skipped.Load()
}

// Ingest extracts samples from payload and queues them for writing. It returns once
// they are queued. If the queue stays full it fails with iot.ErrStorageUnavailable.
// A zero timestamp means now.
func (p *Pipeline) Ingest(ctx context.Context, device iot.DeviceKey, payload []byte, timestamp time.Time) (*Result, error) {
	return p.ingest(ctx, device, payload, timestamp, false)
}

// IngestSync is Ingest, but returns only after the samples were written
func (p *Pipeline) IngestSync(ctx context.Context, device iot.DeviceKey, payload []byte, timestamp time.Time) (*Result, error) {
	return p.ingest(ctx, device, payload, timestamp, true)
}

func (p *Pipeline) ingest(ctx context.Context, device iot.DeviceKey, payload []byte, timestamp time.Time, wait bool) (*Result, error) {
	rlog := logger.FromContext(ctx)
	document, err := ParsePayload(payload)
	if err != nil {
		return nil, err
	}
	p.payloads.Add(1)
	if timestamp.IsZero() {
		timestamp = p.clock.Now()
	}
	configs, err := p.tenantConfigs(ctx, device.TenantID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", iot.ErrStorageUnavailable, err)
	}
	config := Resolve(configs, device.DeviceID)
	if config == nil {
		rlog.Debugf("no data config for %s", device)
		return &Result{}, nil
	}

	values, failures := Extract(config.Metrics, document)
	result := &Result{Accepted: len(values), Skipped: len(failures), Failures: failures}
	for _, f := range failures {
		rlog.Debugf("%s: skipped %v", device, f)
	}
	p.skipped.Add(int64(len(failures)))
	if len(values) == 0 {
		return result, nil
	}

	samples := make([]iot.MetricSample, len(values))
	for i, v := range values {
		samples[i] = iot.MetricSample{
			TenantID:  device.TenantID,
			DeviceID:  device.DeviceID,
			Metric:    v.Metric,
			Timestamp: timestamp,
			Value:     v.Value,
		}
	}
	if wait {
		err = p.writes.EnqueueAndWait(ctx, samples)
	} else {
		err = p.writes.Enqueue(ctx, samples)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", iot.ErrStorageUnavailable, err)
	}
	p.accepted.Add(int64(len(samples)))
	rlog.Debugf("%s: %d samples accepted, %d rules skipped", device, result.Accepted, result.Skipped)
	return result, nil
}

// tenantConfigs returns the cached data configs of a tenant
func (p *Pipeline) tenantConfigs(ctx context.Context, tenantID string) ([]iot.DataConfig, error) {
	p.configMu.RLock()
	configs, ok := p.configs[tenantID]
	gen := p.configGen
	p.configMu.RUnlock()
	if ok {
		return configs, nil
	}
	configs, err := p.store.ListDataConfigs(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	p.configMu.Lock()
	// a config may have changed while we were reading
	if gen == p.configGen {
		p.configs[tenantID] = configs
	}
	p.configMu.Unlock()
	return configs, nil
}

func (p *Pipeline) invalidate(tenantID string) {
	p.configMu.Lock()
	delete(p.configs, tenantID)
	p.configGen++
	p.configMu.Unlock()
}

// PutConfig validates and stores a data config, replacing the one with the same match
// and pattern
func (p *Pipeline) PutConfig(ctx context.Context, config iot.DataConfig) (*iot.DataConfig, error) {
	if err := ValidateConfig(&config); err != nil {
		return nil, err
	}
	if config.Metrics == nil {
		config.Metrics = []iot.MetricRule{}
	}
	config.UpdatedAt = p.clock.Now()
	err := p.store.PutDataConfig(ctx, config)
	p.invalidate(config.TenantID)
	if err != nil {
		return nil, err
	}
	logger.FromContext(ctx).Infof("data config %s '%s' of tenant %s has %d metrics", config.Match, config.Pattern, config.TenantID, len(config.Metrics))
	return &config, nil
}

// GetConfig returns one data config
func (p *Pipeline) GetConfig(ctx context.Context, tenantID string, match iot.MatchKind, pattern string) (*iot.DataConfig, error) {
	return p.store.GetDataConfig(ctx, tenantID, match, pattern)
}

// DeleteConfig deletes one data config
func (p *Pipeline) DeleteConfig(ctx context.Context, tenantID string, match iot.MatchKind, pattern string) error {
	err := p.store.DeleteDataConfig(ctx, tenantID, match, pattern)
	p.invalidate(tenantID)
	return err
}

// ListConfigs returns all data configs of a tenant, tenant wide first
func (p *Pipeline) ListConfigs(ctx context.Context, tenantID string) ([]iot.DataConfig, error) {
	configs, err := p.store.ListDataConfigs(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	sortConfigs(configs)
	return configs, nil
}

// ResolveConfig returns the data config which applies to a device, or iot.ErrNotFound
func (p *Pipeline) ResolveConfig(ctx context.Context, device iot.DeviceKey) (*iot.DataConfig, error) {
	configs, err := p.tenantConfigs(ctx, device.TenantID)
	if err != nil {
		return nil, err
	}
	if c := Resolve(configs, device.DeviceID); c != nil {
		return c, nil
	}
	return nil, iot.ErrNotFound
}

// ForgetTenant drops cached configs of a tenant
func (p *Pipeline) ForgetTenant(tenantID string) {
	p.invalidate(tenantID)
}

// Last returns the latest limit samples of a metric, oldest first
func (p *Pipeline) Last(ctx context.Context, device iot.DeviceKey, metric string, limit int) ([]iot.MetricSample, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("%w: limit must be positive", iot.ErrMalformedRequest)
	}
	return p.store.LastSamples(ctx, device, metric, limit)
}

// Range returns the samples of a metric with from <= timestamp < to, oldest first
func (p *Pipeline) Range(ctx context.Context, device iot.DeviceKey, metric string, from, to time.Time) ([]iot.MetricSample, error) {
	if !from.Before(to) {
		return nil, fmt.Errorf("%w: empty time range", iot.ErrMalformedRequest)
	}
	return p.store.RangeSamples(ctx, device, metric, from, to)
}
