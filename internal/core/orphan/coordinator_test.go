package orphan

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"liuproxy_broker/internal/ledger"
	"liuproxy_broker/internal/model"
	"liuproxy_broker/internal/provider/providertest"
	"liuproxy_broker/internal/shared/settings"
)

type fixture struct {
	clock    clockwork.FakeClock
	provider *providertest.Fake
	ledger   *ledger.MemoryLedger
	registry *ledger.MemoryRegistry
	c        *Coordinator
}

func newFixture() *fixture {
	clock := clockwork.NewFakeClock()
	fp := providertest.New()
	ml := ledger.NewMemoryLedger(clock)
	reg := ledger.NewMemoryRegistry()
	return &fixture{
		clock:    clock,
		provider: fp,
		ledger:   ml,
		registry: reg,
		c:        New(reg, ml, fp, settings.Defaults().Orphan, clock),
	}
}

// assign opens a ledger record; the device row is created only when keep is set.
func (f *fixture) assign(t *testing.T, deviceID, proxyID string, keep bool) {
	t.Helper()
	if keep {
		f.registry.Put(&model.Device{ID: deviceID, ProxyID: proxyID})
	}
	_, err := f.ledger.RecordAssignment(context.Background(), model.Assignment{DeviceID: deviceID, ProxyID: proxyID})
	require.NoError(t, err)
}

func (f *fixture) record(deviceID, proxyID string) model.UsageRecord {
	var last model.UsageRecord
	for _, r := range f.ledger.Records() {
		if r.DeviceID == deviceID && r.ProxyID == proxyID {
			last = r
		}
	}
	return last
}

func TestDetect(t *testing.T) {
	f := newFixture()
	f.assign(t, "A", "p1", true)
	f.assign(t, "B", "p2", false)
	f.assign(t, "C", "p3", true)

	orphans, err := f.c.Detect(context.Background())
	require.NoError(t, err)
	require.Len(t, orphans, 1)
	assert.Equal(t, "B", orphans[0].DeviceID)
	assert.Equal(t, "p2", orphans[0].ProxyID)
	assert.Equal(t, reasonDeviceMissing, orphans[0].Reason)
	assert.Equal(t, f.clock.Now(), orphans[0].AssignedAt)
}

func TestDetect_IgnoresReleased(t *testing.T) {
	f := newFixture()
	f.assign(t, "gone", "p1", false)
	_, err := f.ledger.RecordRelease(context.Background(), "gone", "p1", model.ReleaseManual, nil)
	require.NoError(t, err)

	res, err := f.c.TriggerDetection(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res.OrphanCount)
	assert.Empty(t, res.Orphans)
}

func TestCleanup_PartialFailure(t *testing.T) {
	f := newFixture()
	f.assign(t, "x1", "p1", false)
	f.assign(t, "x2", "p2", false)
	f.assign(t, "x3", "p3", false)
	f.provider.SetReleaseError("p2", errors.New("provider says no"))

	orphans, err := f.c.Detect(context.Background())
	require.NoError(t, err)
	require.Len(t, orphans, 3)

	res := f.c.Cleanup(context.Background(), orphans)
	assert.Equal(t, 2, res.Released)
	assert.Equal(t, 1, res.Failed)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, "p2", res.Errors[0].ProxyID)
	assert.Contains(t, res.Errors[0].Error, "provider says no")

	for _, id := range []string{"p1", "p2", "p3"} {
		r := f.record("x"+id[1:], id)
		assert.False(t, r.Active(), id)
		assert.Equal(t, model.ReleaseOrphanCleanup, r.ReleaseReason, id)
	}

	left, err := f.c.Detect(context.Background())
	require.NoError(t, err)
	assert.Empty(t, left)
}

// closeFailingLedger refuses to close usage records.
type closeFailingLedger struct {
	*ledger.MemoryLedger
}

func (closeFailingLedger) RecordRelease(context.Context, string, string, model.ReleaseReason, *model.ReleaseStats) (*model.UsageRecord, error) {
	return nil, errors.New("db down")
}

func TestCleanup_LedgerCloseFailureIsReported(t *testing.T) {
	f := newFixture()
	f.assign(t, "x1", "p1", false)
	f.c.ledger = closeFailingLedger{f.ledger}

	res, err := f.c.TriggerFullCleanup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Detected)
	assert.Equal(t, 0, res.Released)
	assert.Equal(t, 1, res.Failed)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, "p1", res.Errors[0].ProxyID)
	assert.Contains(t, res.Errors[0].Error, "close usage record: db down")

	assert.True(t, f.record("x1", "p1").Active())
}

func TestTriggerFullCleanup(t *testing.T) {
	f := newFixture()
	f.assign(t, "A", "p1", true)
	f.assign(t, "B", "p2", false)

	res, err := f.c.TriggerFullCleanup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Detected)
	assert.Equal(t, 1, res.Released)
	assert.Equal(t, 0, res.Failed)

	_, released, _ := f.provider.Calls()
	assert.Equal(t, []string{"p2"}, released)
	assert.True(t, f.record("A", "p1").Active())

	res, err = f.c.TriggerFullCleanup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res.Detected)
}

func TestForceCleanupProxy(t *testing.T) {
	f := newFixture()
	f.assign(t, "A", "p1", true)
	f.provider.SetReleaseError("p1", errors.New("already free"))

	rec, err := f.c.ForceCleanupProxy(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, "A", rec.DeviceID)
	assert.Equal(t, model.ReleaseOrphanCleanup, rec.ReleaseReason)
	assert.False(t, f.record("A", "p1").Active())

	_, err = f.c.ForceCleanupProxy(context.Background(), "p1")
	assert.ErrorIs(t, err, ledger.ErrNoActiveRecord)
}

func TestStatistics(t *testing.T) {
	f := newFixture()

	st, err := f.c.Statistics(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, st.TotalActive)
	assert.Nil(t, st.OldestOrphanAssignedAt)

	f.assign(t, "old", "p1", false)
	oldest := f.clock.Now()
	f.clock.Advance(time.Hour)
	f.assign(t, "new", "p2", false)
	f.assign(t, "A", "p3", true)
	f.assign(t, "B", "p4", true)

	st, err = f.c.Statistics(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, st.TotalActive)
	assert.Equal(t, 2, st.OrphanCount)
	assert.InDelta(t, 50.0, st.OrphanPercentage, 0.001)
	require.NotNil(t, st.OldestOrphanAssignedAt)
	assert.Equal(t, oldest, *st.OldestOrphanAssignedAt)
}

func TestStartStop(t *testing.T) {
	f := newFixture()
	f.assign(t, "gone", "p1", false)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.c.Start(ctx)

	f.clock.BlockUntil(1)
	f.clock.Advance(2 * time.Hour)
	assert.Eventually(t, func() bool {
		return !f.record("gone", "p1").Active()
	}, time.Second, 10*time.Millisecond)

	f.c.Stop()

	assert.Error(t, f.c.OnSettingsUpdate(settings.ModuleOrphan, &settings.HealthSettings{}))
}

func TestOnSettingsUpdate_RejectsNonPositiveInterval(t *testing.T) {
	f := newFixture()
	sm := settings.NewInMemory(nil)
	sm.Register(settings.ModuleOrphan, f.c)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.c.Start(ctx)
	f.clock.BlockUntil(1)

	assert.Error(t, f.c.OnSettingsUpdate(settings.ModuleOrphan, &settings.OrphanSettings{IntervalSeconds: 0}))
	assert.Error(t, sm.Update(settings.ModuleOrphan, []byte(`{"interval_seconds": -5}`)))
	assert.Equal(t, 2*time.Hour, f.c.cfg.Load().Interval())

	require.NoError(t, sm.Update(settings.ModuleOrphan, []byte(`{"interval_seconds": 60}`)))
	assert.Equal(t, time.Minute, f.c.cfg.Load().Interval())

	f.c.Stop()
}
