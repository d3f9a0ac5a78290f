// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package shadow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/canopy/core/clock"
	"github.com/relabs-tech/canopy/iot"
	"github.com/relabs-tech/canopy/iot/store"
)

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

var dev = iot.DeviceKey{TenantID: "acme", DeviceID: "lamp"}

type deltaRecorder struct {
	mu     sync.Mutex
	deltas []string
}

func (r *deltaRecorder) notify(_ context.Context, _ *Snapshot, delta []byte) {
	r.mu.Lock()
	r.deltas = append(r.deltas, string(delta))
	r.mu.Unlock()
}

func (r *deltaRecorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string{}, r.deltas...)
}

func newEngine(t *testing.T, s store.Shadows) (*Engine, *deltaRecorder) {
	t.Helper()
	r := &deltaRecorder{}
	e := New(&Builder{Store: s, Clock: clock.Fake(epoch), OnDelta: r.notify, FlushInterval: 5 * time.Millisecond})
	t.Cleanup(e.Close)
	return e, r
}

func newStoreWithDevice(t *testing.T) *store.Memory {
	s := store.NewMemory()
	require.NoError(t, s.CreateTenant(context.Background(), iot.Tenant{TenantID: "acme"}))
	require.NoError(t, s.CreateDevice(context.Background(), iot.Device{TenantID: "acme", DeviceID: "lamp"}))
	return s
}

func TestLedScenario(t *testing.T) {
	ctx := context.Background()
	e, r := newEngine(t, newStoreWithDevice(t))

	s, err := e.ApplyReported(ctx, dev, "", obj(t, `{"led": "off"}`), WriteBehind)
	require.NoError(t, err)
	assert.Equal(t, int64(1), s.Version)
	assert.Empty(t, s.Delta)

	s, err = e.ApplyDesired(ctx, dev, "", obj(t, `{"led": "on"}`), WriteThrough)
	require.NoError(t, err)
	assert.Equal(t, int64(2), s.Version)
	assertJSON(t, `{"led": "on"}`, s.Delta)

	s, err = e.ApplyReported(ctx, dev, "", obj(t, `{"led": "on"}`), WriteBehind)
	require.NoError(t, err)
	assert.Equal(t, int64(3), s.Version)
	assert.Empty(t, s.Delta)

	assert.Equal(t, []string{`{"led":"on"}`}, r.all())
}

func TestSnapshotsAreImmutable(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t, newStoreWithDevice(t))
	first, err := e.ApplyReported(ctx, dev, "", obj(t, `{"a": {"b": 1}}`), WriteBehind)
	require.NoError(t, err)
	_, err = e.ApplyReported(ctx, dev, "", obj(t, `{"a": {"b": 2}}`), WriteBehind)
	require.NoError(t, err)
	assertJSON(t, `{"a": {"b": 1}}`, first.Reported)
}

func TestPersistedAndReloaded(t *testing.T) {
	ctx := context.Background()
	s := newStoreWithDevice(t)
	e, _ := newEngine(t, s)
	_, err := e.Apply(ctx, dev, "garage", &Patch{Reported: obj(t, `{"door": "open"}`), Desired: obj(t, `{"door": "closed"}`)}, WriteThrough)
	require.NoError(t, err)

	record, err := s.GetShadow(ctx, dev, "garage")
	require.NoError(t, err)
	assert.Equal(t, int64(1), record.Version)

	// a fresh engine picks up where the first one left off
	e2, _ := newEngine(t, s)
	snapshot, err := e2.Get(ctx, dev, "garage")
	require.NoError(t, err)
	assert.Equal(t, int64(1), snapshot.Version)
	assertJSON(t, `{"door": "closed"}`, snapshot.Delta)
	assertJSON(t, fmt.Sprintf(`{"door": %d}`, epoch.Unix()), snapshot.ReportedMetadata)

	delta, err := e2.CurrentDelta(ctx, dev, "garage")
	require.NoError(t, err)
	assert.JSONEq(t, `{"door": "closed"}`, string(delta))

	// the default shadow is separate
	delta, err = e2.CurrentDelta(ctx, dev, "")
	require.NoError(t, err)
	assert.Nil(t, delta)

	list, err := e2.List(ctx, dev)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "garage", list[0].Name)
}

func TestConcurrentWritersAreSerialized(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t, newStoreWithDevice(t))
	const writers = 20
	const updates = 25
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		w := w
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < updates; i++ {
				patch := obj(t, fmt.Sprintf(`{"w%d": %d}`, w, i))
				var err error
				if w%2 == 0 {
					_, err = e.ApplyReported(ctx, dev, "", patch, WriteBehind)
				} else {
					_, err = e.ApplyDesired(ctx, dev, "", patch, WriteBehind)
				}
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	s, err := e.Get(ctx, dev, "")
	require.NoError(t, err)
	assert.Equal(t, int64(writers*updates), s.Version)
	assert.Len(t, s.Reported, writers/2)
	assert.Len(t, s.Desired, writers/2)
	for k, v := range s.Reported {
		assert.Equal(t, fmt.Sprint(updates-1), fmt.Sprint(v), k)
	}
}

type failingStore struct {
	*store.Memory
}

func (failingStore) UpsertShadows(context.Context, []iot.ShadowRecord) error {
	return errors.New("database is gone")
}

func TestWriteThroughFailureIsNotApplied(t *testing.T) {
	ctx := context.Background()
	e, r := newEngine(t, failingStore{newStoreWithDevice(t)})
	_, err := e.ApplyDesired(ctx, dev, "", obj(t, `{"led": "on"}`), WriteThrough)
	assert.ErrorIs(t, err, iot.ErrStorageUnavailable)

	s, err := e.Get(ctx, dev, "")
	require.NoError(t, err)
	assert.Equal(t, int64(0), s.Version)
	assert.Empty(t, r.all())
}

type blockingStore struct {
	*store.Memory
	release chan struct{}
}

func (s blockingStore) UpsertShadows(ctx context.Context, records []iot.ShadowRecord) error {
	<-s.release
	return s.Memory.UpsertShadows(ctx, records)
}

func TestFullQueueAppliesBackpressure(t *testing.T) {
	ctx := context.Background()
	s := blockingStore{Memory: newStoreWithDevice(t), release: make(chan struct{})}
	e := New(&Builder{Store: s, Clock: clock.Fake(epoch), QueueCapacity: 1, Workers: 1, EnqueueTimeout: 50 * time.Millisecond})

	var lastErr error
	applied := 0
	for i := 0; i < 5 && lastErr == nil; i++ {
		_, lastErr = e.ApplyReported(ctx, dev, "", obj(t, fmt.Sprintf(`{"n": %d}`, i)), WriteBehind)
		if lastErr == nil {
			applied++
		}
	}
	assert.ErrorIs(t, lastErr, iot.ErrStorageUnavailable)
	snapshot, err := e.Get(ctx, dev, "")
	require.NoError(t, err)
	assert.Equal(t, int64(applied), snapshot.Version)

	close(s.release)
	e.Close()
	record, err := s.GetShadow(ctx, dev, "default")
	require.NoError(t, err)
	assert.Equal(t, int64(applied), record.Version)
}

func TestEmptyPatchIsMalformed(t *testing.T) {
	e, _ := newEngine(t, newStoreWithDevice(t))
	_, err := e.Apply(context.Background(), dev, "", &Patch{}, WriteBehind)
	assert.ErrorIs(t, err, iot.ErrMalformedPatch)
}

func TestForget(t *testing.T) {
	ctx := context.Background()
	s := newStoreWithDevice(t)
	e, _ := newEngine(t, s)
	_, err := e.ApplyDesired(ctx, dev, "", obj(t, `{"led": "on"}`), WriteThrough)
	require.NoError(t, err)
	require.NoError(t, s.DeleteDevice(ctx, dev))
	e.Forget(dev)

	snapshot, err := e.Get(ctx, dev, "")
	require.NoError(t, err)
	assert.Equal(t, int64(0), snapshot.Version)
}

func TestViewAlwaysHasDelta(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t, newStoreWithDevice(t))
	_, err := e.ApplyDesired(ctx, dev, "", obj(t, `{"led": "on"}`), WriteThrough)
	require.NoError(t, err)
	s, err := e.ApplyReported(ctx, dev, "", obj(t, `{"led": "on"}`), WriteThrough)
	require.NoError(t, err)

	body, err := json.Marshal(s.View())
	require.NoError(t, err)
	var view struct {
		State map[string]json.RawMessage `json:"state"`
	}
	require.NoError(t, json.Unmarshal(body, &view))
	assert.JSONEq(t, `{}`, string(view.State["delta"]))
	assert.JSONEq(t, `{"led":"on"}`, string(view.State["desired"]))
}
