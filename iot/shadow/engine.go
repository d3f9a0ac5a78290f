// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*Package shadow is the shadow synchronization engine.

A shadow is the reported and the desired state of a device, two JSON object
trees. Devices report their state, operators set the desired state. The delta
is the part of the desired state the device has not reported yet; it is pushed
to the device whenever it is not empty, and again when the device subscribes to
its delta topic.

Updates of one shadow are applied one at a time. Readers get immutable snapshots
and never wait for writers. Snapshots are persisted through a bounded write
queue; an update that cannot be queued fails with iot.ErrStorageUnavailable and
is not applied.
*/
package shadow

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"

	"github.com/relabs-tech/canopy/core/clock"
	"github.com/relabs-tech/canopy/core/logger"
	"github.com/relabs-tech/canopy/core/queue"
	"github.com/relabs-tech/canopy/iot"
	"github.com/relabs-tech/canopy/iot/identity"
	"github.com/relabs-tech/canopy/iot/store"
)

const numShards = 64

// Snapshot is one version of a shadow. It is immutable.
type Snapshot struct {
	Key              iot.DeviceKey
	Name             string
	Reported         Object
	Desired          Object
	Delta            Object
	ReportedMetadata Object
	DesiredMetadata  Object
	Version          int64
	UpdatedAt        time.Time
}

type stateView struct {
	Reported Object `json:"reported"`
	Desired  Object `json:"desired"`
	Delta    Object `json:"delta"`
}

type metadataView struct {
	Reported Object `json:"reported"`
	Desired  Object `json:"desired"`
}

// View is the JSON form of a snapshot
type View struct {
	DeviceID   string       `json:"device_id"`
	TenantID   string       `json:"tenant_id"`
	ShadowName string       `json:"shadow_name"`
	State      stateView    `json:"state"`
	Metadata   metadataView `json:"metadata"`
	Version    int64        `json:"version"`
	Timestamp  int64        `json:"timestamp"`
}

// View returns the JSON form of the snapshot
func (s *Snapshot) View() View {
	return View{
		DeviceID:   s.Key.DeviceID,
		TenantID:   s.Key.TenantID,
		ShadowName: s.Name,
		State:      stateView{Reported: nonNil(s.Reported), Desired: nonNil(s.Desired), Delta: nonNil(s.Delta)},
		Metadata:   metadataView{Reported: nonNil(s.ReportedMetadata), Desired: nonNil(s.DesiredMetadata)},
		Version:    s.Version,
		Timestamp:  s.UpdatedAt.Unix(),
	}
}

func nonNil(o Object) Object {
	if o == nil {
		return Object{}
	}
	return o
}

// DeltaJSON returns the delta as JSON, or nil if it is empty
func (s *Snapshot) DeltaJSON() []byte {
	if len(s.Delta) == 0 {
		return nil
	}
	return marshalObject(s.Delta)
}

func (s *Snapshot) record() iot.ShadowRecord {
	metadata, _ := json.Marshal(metadataView{Reported: nonNil(s.ReportedMetadata), Desired: nonNil(s.DesiredMetadata)})
	return iot.ShadowRecord{
		TenantID:   s.Key.TenantID,
		DeviceID:   s.Key.DeviceID,
		ShadowName: s.Name,
		Reported:   marshalObject(s.Reported),
		Desired:    marshalObject(s.Desired),
		Metadata:   metadata,
		Version:    s.Version,
		UpdatedAt:  s.UpdatedAt,
	}
}

func fromRecord(r *iot.ShadowRecord) (*Snapshot, error) {
	s := &Snapshot{
		Key:       iot.DeviceKey{TenantID: r.TenantID, DeviceID: r.DeviceID},
		Name:      r.ShadowName,
		Version:   r.Version,
		UpdatedAt: r.UpdatedAt,
	}
	var err error
	if s.Reported, err = ParseObject(r.Reported); err != nil {
		return nil, err
	}
	if s.Desired, err = ParseObject(r.Desired); err != nil {
		return nil, err
	}
	if len(r.Metadata) > 0 {
		var m struct {
			Reported json.RawMessage `json:"reported"`
			Desired  json.RawMessage `json:"desired"`
		}
		if err := json.Unmarshal(r.Metadata, &m); err != nil {
			return nil, err
		}
		if len(m.Reported) > 0 {
			s.ReportedMetadata, _ = ParseObject(m.Reported)
		}
		if len(m.Desired) > 0 {
			s.DesiredMetadata, _ = ParseObject(m.Desired)
		}
	}
	s.Delta = Delta(s.Reported, s.Desired)
	return s, nil
}

// DeltaNotifier is called with every non-empty delta, in version order per shadow
type DeltaNotifier func(ctx context.Context, snapshot *Snapshot, delta []byte)

// Mode says how an update is persisted
type Mode int

const (
	// WriteBehind returns as soon as the snapshot is queued for writing
	WriteBehind Mode = iota
	// WriteThrough returns after the snapshot has been written
	WriteThrough
)

// Builder is a builder helper for the Engine
type Builder struct {
	// Store persists shadows. This is mandatory.
	Store store.Shadows
	// Clock is the time source. Default is the real clock.
	Clock clock.Clock
	// OnDelta receives non-empty deltas. Optional.
	OnDelta DeltaNotifier
	// QueueCapacity, Workers, BatchSize, FlushInterval and EnqueueTimeout configure
	// the write queue. See queue.Builder for defaults.
	QueueCapacity  int
	Workers        int
	BatchSize      int
	FlushInterval  time.Duration
	EnqueueTimeout time.Duration
}

type shadowKey struct {
	device iot.DeviceKey
	name   string
}

type entry struct {
	mu       sync.Mutex
	loaded   atomic.Bool
	snapshot atomic.Pointer[Snapshot]
}

type shard struct {
	mu      sync.Mutex
	entries map[shadowKey]*entry
}

// Engine is the shadow synchronization engine
type Engine struct {
	store   store.Shadows
	clock   clock.Clock
	onDelta DeltaNotifier
	writes  *queue.Queue[iot.ShadowRecord]
	shards  [numShards]shard
	updates atomic.Int64
}

// New returns a new Engine and starts its write queue
func New(b *Builder) *Engine {
	if b.Store == nil {
		panic("store is missing")
	}
	c := b.Clock
	if c == nil {
		c = clock.Real()
	}
	e := &Engine{
		store:   b.Store,
		clock:   c,
		onDelta: b.OnDelta,
	}
	for i := range e.shards {
		e.shards[i].entries = map[shadowKey]*entry{}
	}
	e.writes = queue.New(&queue.Builder[iot.ShadowRecord]{
		Name:           "shadow",
		Handler:        e.persist,
		Capacity:       b.QueueCapacity,
		Workers:        b.Workers,
		BatchSize:      b.BatchSize,
		FlushInterval:  b.FlushInterval,
		EnqueueTimeout: b.EnqueueTimeout,
	})
	return e
}

func (e *Engine) persist(ctx context.Context, batch []iot.ShadowRecord) error {
	err := e.store.UpsertShadows(ctx, batch)
	if store.IsDataError(err) {
		return queue.Permanent(err)
	}
	return err
}

// Close drains the write queue
func (e *Engine) Close() {
	e.writes.Close()
}

// QueueStats returns the statistics of the write queue
func (e *Engine) QueueStats() queue.Stats {
	return e.writes.Stats()
}

// QueueLen returns the number of queued writes
func (e *Engine) QueueLen() int {
	return e.writes.Len()
}

// Updates returns the number of applied updates
func (e *Engine) Updates() int64 {
	return e.updates.Load()
}

// shard returns the shard of a device. All shadows of a device live in one shard.
func (e *Engine) shard(device iot.DeviceKey) *shard {
	h := fnv.New32a()
	h.Write([]byte(device.TenantID))
	h.Write([]byte{0})
	h.Write([]byte(device.DeviceID))
	return &e.shards[h.Sum32()%numShards]
}

func (e *Engine) entry(key shadowKey) *entry {
	s := e.shard(key.device)
	s.mu.Lock()
	defer s.mu.Unlock()
	en, ok := s.entries[key]
	if !ok {
		en = &entry{}
		s.entries[key] = en
	}
	return en
}

// load makes sure en holds the stored snapshot. It must be called with en.mu held.
func (e *Engine) load(ctx context.Context, key shadowKey, en *entry) error {
	if en.loaded.Load() {
		return nil
	}
	record, err := e.store.GetShadow(ctx, key.device, key.name)
	var snapshot *Snapshot
	switch {
	case errors.Is(err, iot.ErrNotFound):
		snapshot = &Snapshot{Key: key.device, Name: key.name}
	case err != nil:
		return fmt.Errorf("%w: %v", iot.ErrStorageUnavailable, err)
	default:
		snapshot, err = fromRecord(record)
		if err != nil {
			return fmt.Errorf("stored shadow %s/%s: %w", key.device, key.name, err)
		}
	}
	en.snapshot.Store(snapshot)
	en.loaded.Store(true)
	return nil
}

// Get returns the current snapshot of a shadow. A shadow which was never written is
// returned with version 0 and empty states.
func (e *Engine) Get(ctx context.Context, device iot.DeviceKey, name string) (*Snapshot, error) {
	key := shadowKey{device: device, name: identity.ShadowName(name)}
	en := e.entry(key)
	if en.loaded.Load() {
		return en.snapshot.Load(), nil
	}
	en.mu.Lock()
	defer en.mu.Unlock()
	if err := e.load(ctx, key, en); err != nil {
		return nil, err
	}
	return en.snapshot.Load(), nil
}

// ApplyReported merges patch into the reported state
func (e *Engine) ApplyReported(ctx context.Context, device iot.DeviceKey, name string, patch Object, mode Mode) (*Snapshot, error) {
	return e.Apply(ctx, device, name, &Patch{Reported: patch}, mode)
}

// ApplyDesired merges patch into the desired state
func (e *Engine) ApplyDesired(ctx context.Context, device iot.DeviceKey, name string, patch Object, mode Mode) (*Snapshot, error) {
	return e.Apply(ctx, device, name, &Patch{Desired: patch}, mode)
}

// Apply applies an update to a shadow and returns the new snapshot. The version grows
// by one. The update is only visible once it has been queued for writing (WriteBehind)
// or written (WriteThrough); otherwise it fails with iot.ErrStorageUnavailable and the
// shadow stays as it was. A non-empty delta is handed to the delta notifier.
func (e *Engine) Apply(ctx context.Context, device iot.DeviceKey, name string, patch *Patch, mode Mode) (*Snapshot, error) {
	if patch == nil || patch.Empty() {
		return nil, fmt.Errorf("%w: empty update", iot.ErrMalformedPatch)
	}
	key := shadowKey{device: device, name: identity.ShadowName(name)}
	en := e.entry(key)
	en.mu.Lock()
	defer en.mu.Unlock()
	if err := e.load(ctx, key, en); err != nil {
		return nil, err
	}
	current := en.snapshot.Load()
	now := e.clock.Now()
	next := &Snapshot{
		Key:              current.Key,
		Name:             current.Name,
		Reported:         current.Reported,
		Desired:          current.Desired,
		ReportedMetadata: current.ReportedMetadata,
		DesiredMetadata:  current.DesiredMetadata,
		Version:          current.Version + 1,
		UpdatedAt:        now,
	}
	if patch.ResetReported {
		next.Reported, next.ReportedMetadata = Object{}, Object{}
	}
	if patch.Reported != nil {
		next.Reported = Merge(next.Reported, patch.Reported)
		next.ReportedMetadata = MergeMetadata(next.ReportedMetadata, patch.Reported, now.Unix())
	}
	if patch.ResetDesired {
		next.Desired, next.DesiredMetadata = Object{}, Object{}
	}
	if patch.Desired != nil {
		next.Desired = Merge(next.Desired, patch.Desired)
		next.DesiredMetadata = MergeMetadata(next.DesiredMetadata, patch.Desired, now.Unix())
	}
	next.Delta = Delta(next.Reported, next.Desired)

	record := next.record()
	var err error
	if mode == WriteThrough {
		err = e.writes.EnqueueAndWait(ctx, record)
	} else {
		err = e.writes.Enqueue(ctx, record)
	}
	if err != nil {
		logger.FromContext(ctx).WithError(err).Errorf("cannot persist shadow %s/%s", device, key.name)
		return nil, fmt.Errorf("%w: %v", iot.ErrStorageUnavailable, err)
	}

	en.snapshot.Store(next)
	e.updates.Add(1)
	if delta := next.DeltaJSON(); delta != nil && e.onDelta != nil {
		e.onDelta(ctx, next, delta)
	}
	logger.FromContext(ctx).Debugf("shadow %s/%s at version %d", device, key.name, next.Version)
	return next, nil
}

// CurrentDelta returns the current delta of a shadow as JSON, or nil if it is empty.
// It is used to bring a device up to date when it subscribes to its delta topic.
func (e *Engine) CurrentDelta(ctx context.Context, device iot.DeviceKey, name string) ([]byte, error) {
	snapshot, err := e.Get(ctx, device, name)
	if err != nil {
		return nil, err
	}
	return snapshot.DeltaJSON(), nil
}

// List returns the snapshots of all stored shadows of a device
func (e *Engine) List(ctx context.Context, device iot.DeviceKey) ([]*Snapshot, error) {
	records, err := e.store.ListShadows(ctx, device)
	if err != nil {
		return nil, err
	}
	snapshots := make([]*Snapshot, 0, len(records))
	for _, r := range records {
		// the cache may be ahead of the store
		s, err := e.Get(ctx, device, r.ShadowName)
		if err != nil {
			return nil, err
		}
		snapshots = append(snapshots, s)
	}
	return snapshots, nil
}

// Forget drops all cached shadows of a device. It is called when a device is deleted.
func (e *Engine) Forget(device iot.DeviceKey) {
	s := e.shard(device)
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.entries {
		if key.device == device {
			delete(s.entries, key)
		}
	}
}
