// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*Package processor is the inline processing layer between the transports and storage.

A Processor owns the authentication gateway, the rate limiter, the shadow engine
and the telemetry pipeline of one running service. Both transports, the MQTT
broker and the HTTP API, go through the same Processor, so a message is treated
the same no matter how it arrived.

	p := processor.New(&processor.Builder{Store: store})
	defer p.Close()
	broker := broker.New(&broker.Builder{Processor: p, ...})
	p.SetTransport(broker)
*/
package processor

import (
	"context"
	"sync"
	"time"

	"github.com/relabs-tech/canopy/core/clock"
	"github.com/relabs-tech/canopy/core/kss"
	"github.com/relabs-tech/canopy/core/logger"
	"github.com/relabs-tech/canopy/iot"
	"github.com/relabs-tech/canopy/iot/auth"
	"github.com/relabs-tech/canopy/iot/certs"
	"github.com/relabs-tech/canopy/iot/metrics"
	"github.com/relabs-tech/canopy/iot/ratelimit"
	"github.com/relabs-tech/canopy/iot/shadow"
	"github.com/relabs-tech/canopy/iot/store"
	"github.com/relabs-tech/canopy/iot/telemetry"
	"github.com/relabs-tech/canopy/iot/topics"
)

// ShadowEventPublisher receives every non-empty shadow delta, for example the kafka sink
type ShadowEventPublisher interface {
	PublishDelta(ctx context.Context, snapshot *shadow.Snapshot, delta []byte) error
}

// Builder is a builder helper for the Processor
type Builder struct {
	// Store is the storage. This is mandatory.
	Store store.Store
	// Clock is the time source. Default is the real clock.
	Clock clock.Clock
	// Archive receives replaced certificate authorities. Optional.
	Archive kss.Driver
	// Topics is the topic layout. Default is prefix "things/" without extra telemetry topics.
	Topics *topics.Topics
	// Thresholds, Capacity and CongestionThreshold configure the rate limiter
	Thresholds          ratelimit.Thresholds
	Capacity            int
	CongestionThreshold float64
	// AuthTimeout bounds one authentication. Default is 2s.
	AuthTimeout time.Duration
	// BcryptCost is the cost of new password hashes
	BcryptCost int
	// QueueCapacity, Workers, BatchSize and EnqueueTimeout configure the shadow and
	// the telemetry write queues
	QueueCapacity  int
	Workers        int
	BatchSize      int
	EnqueueTimeout time.Duration
	// Sinks mirror stored samples. Optional.
	Sinks []telemetry.Sink
	// ShadowEvents mirrors shadow deltas. Optional.
	ShadowEvents ShadowEventPublisher
	// Metrics receives counters. Optional.
	Metrics *metrics.Metrics
}

// Processor is the lifecycle scoped context of the service. It is safe for concurrent use.
type Processor struct {
	store        store.Store
	clock        clock.Clock
	topics       *topics.Topics
	authority    *certs.Authority
	gateway      *auth.Gateway
	limiter      *ratelimit.Limiter
	shadows      *shadow.Engine
	telemetry    *telemetry.Pipeline
	shadowEvents ShadowEventPublisher
	metrics      *metrics.Metrics

	transportMu sync.RWMutex
	transport   iot.Transport

	connMu    sync.RWMutex
	connected map[iot.DeviceKey]time.Time
}

// New returns a new Processor. It starts the write queues; call Close to drain them.
func New(b *Builder) *Processor {
	if b.Store == nil {
		panic("store is missing")
	}
	c := b.Clock
	if c == nil {
		c = clock.Real()
	}
	t := b.Topics
	if t == nil {
		t = topics.MustNew("things/", nil)
	}
	m := b.Metrics
	if m == nil {
		m = metrics.New()
	}

	p := &Processor{
		store:        b.Store,
		clock:        c,
		topics:       t,
		shadowEvents: b.ShadowEvents,
		metrics:      m,
		transport:    iot.NoTransport{},
		connected:    map[iot.DeviceKey]time.Time{},
	}

	p.authority = certs.New(&certs.Builder{
		Store:   b.Store,
		Archive: b.Archive,
		Clock:   c,
	})
	p.gateway = auth.New(&auth.Builder{
		Store:      b.Store,
		Authority:  p.authority,
		Timeout:    b.AuthTimeout,
		BcryptCost: b.BcryptCost,
	})
	p.limiter = ratelimit.New(&ratelimit.Builder{
		Thresholds:          b.Thresholds,
		Capacity:            b.Capacity,
		CongestionThreshold: b.CongestionThreshold,
		Clock:               c,
		OnShed:              p.shed,
	})
	p.shadows = shadow.New(&shadow.Builder{
		Store:          b.Store,
		Clock:          c,
		OnDelta:        p.publishDelta,
		QueueCapacity:  b.QueueCapacity,
		Workers:        b.Workers,
		EnqueueTimeout: b.EnqueueTimeout,
	})
	p.telemetry = telemetry.New(&telemetry.Builder{
		Store:          b.Store,
		Sinks:          b.Sinks,
		Clock:          c,
		QueueCapacity:  b.QueueCapacity,
		Workers:        b.Workers,
		BatchSize:      b.BatchSize,
		EnqueueTimeout: b.EnqueueTimeout,
	})
	m.QueueLength("shadow", p.shadows.QueueLen)
	m.QueueLength("telemetry", p.telemetry.QueueLen)
	return p
}

// Bootstrap creates the default tenant and the global CA if they do not exist yet
func (p *Processor) Bootstrap(ctx context.Context) error {
	if err := store.Bootstrap(ctx, p.store, p.clock.Now()); err != nil {
		return err
	}
	return p.authority.EnsureGlobalCA(ctx)
}

// SetTransport sets the broker. Until it is called, publishing does nothing.
func (p *Processor) SetTransport(t iot.Transport) {
	if t == nil {
		t = iot.NoTransport{}
	}
	p.transportMu.Lock()
	p.transport = t
	p.transportMu.Unlock()
}

func (p *Processor) getTransport() iot.Transport {
	p.transportMu.RLock()
	defer p.transportMu.RUnlock()
	return p.transport
}

// Run prunes idle limiter state once a minute until ctx is done
func (p *Processor) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := p.limiter.Prune(); n > 0 {
				logger.Default().Debugf("pruned rate limit state of %d devices", n)
			}
		}
	}
}

// Close drains the write queues
func (p *Processor) Close() {
	p.shadows.Close()
	p.telemetry.Close()
}

// Store returns the storage
func (p *Processor) Store() store.Store { return p.store }

// Clock returns the time source
func (p *Processor) Clock() clock.Clock { return p.clock }

// Topics returns the topic layout
func (p *Processor) Topics() *topics.Topics { return p.topics }

// Authority returns the certificate authorities
func (p *Processor) Authority() *certs.Authority { return p.authority }

// Gateway returns the authentication gateway
func (p *Processor) Gateway() *auth.Gateway { return p.gateway }

// Limiter returns the rate limiter
func (p *Processor) Limiter() *ratelimit.Limiter { return p.limiter }

// Shadows returns the shadow engine
func (p *Processor) Shadows() *shadow.Engine { return p.shadows }

// Telemetry returns the telemetry pipeline
func (p *Processor) Telemetry() *telemetry.Pipeline { return p.telemetry }

// Metrics returns the metrics
func (p *Processor) Metrics() *metrics.Metrics { return p.metrics }
