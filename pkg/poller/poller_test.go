package poller

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mfreeman451/fleetmon/pkg/models"
)

type fakeChecker struct {
	mu          sync.Mutex
	connectErr  error
	pollErr     error
	pollDelay   time.Duration
	connects    int32
	polls       int32
	closes      int32
	failConnect int32 // fail this many connects before succeeding
}

func (f *fakeChecker) Kind() Kind { return KindSNMP }

func (f *fakeChecker) Connect(_ context.Context) error {
	atomic.AddInt32(&f.connects, 1)

	if n := atomic.LoadInt32(&f.failConnect); n > 0 {
		atomic.AddInt32(&f.failConnect, -1)

		return errors.New("connect refused")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	return f.connectErr
}

func (f *fakeChecker) Poll(ctx context.Context) ([]models.MetricSample, error) {
	atomic.AddInt32(&f.polls, 1)

	if f.pollDelay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(f.pollDelay):
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.pollErr != nil {
		return nil, f.pollErr
	}

	return []models.MetricSample{{
		DeviceID:  "d1",
		Name:      models.MetricCPUPercent,
		Value:     12,
		Method:    models.MethodPoll,
		Timestamp: time.Now(),
	}}, nil
}

func (f *fakeChecker) Close() error {
	atomic.AddInt32(&f.closes, 1)

	return nil
}

func testDevice(id string) *models.Device {
	return &models.Device{ID: id, TenantID: "tenant-1", Name: "dev-" + id}
}

func newTestPoller(t *testing.T) *Poller {
	t.Helper()

	p := New(64)
	p.reconnectWait = 10 * time.Millisecond

	t.Cleanup(p.Stop)

	return p
}

func waitEvent(t *testing.T, p *Poller) Event {
	t.Helper()

	select {
	case e := <-p.Events():
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")

		return Event{}
	}
}

func TestPollEmitsSamples(t *testing.T) {
	p := newTestPoller(t)
	checker := &fakeChecker{}

	require.NoError(t, p.Register(context.Background(), testDevice("d1"), checker, 50*time.Millisecond))

	e := waitEvent(t, p)
	require.NoError(t, e.Err)
	assert.Equal(t, "d1", e.DeviceID)
	assert.Equal(t, KindSNMP, e.Kind)
	require.Len(t, e.Samples, 1)
	assert.InDelta(t, 12, e.Samples[0].Value, 0.001)
}

func TestRegisterTwiceFails(t *testing.T) {
	p := newTestPoller(t)

	require.NoError(t, p.Register(context.Background(), testDevice("d1"), &fakeChecker{}, time.Minute))
	assert.ErrorIs(t,
		p.Register(context.Background(), testDevice("d1"), &fakeChecker{}, time.Minute),
		ErrAlreadyRegistered)
}

func TestConnectFailureBackoffAndRecovery(t *testing.T) {
	p := newTestPoller(t)
	checker := &fakeChecker{failConnect: 2}

	require.NoError(t, p.Register(context.Background(), testDevice("d1"), checker, 50*time.Millisecond))

	// Two failed connects surface as error events.
	e := waitEvent(t, p)
	require.Error(t, e.Err)
	e = waitEvent(t, p)
	require.Error(t, e.Err)

	// Then the session establishes and polls flow.
	e = waitEvent(t, p)
	require.NoError(t, e.Err)
	assert.NotEmpty(t, e.Samples)
	assert.GreaterOrEqual(t, atomic.LoadInt32(&checker.connects), int32(3))
}

func TestPollFailureReconnects(t *testing.T) {
	p := newTestPoller(t)

	checker := &fakeChecker{}
	checker.mu.Lock()
	checker.pollErr = errors.New("snmp timeout")
	checker.mu.Unlock()

	require.NoError(t, p.Register(context.Background(), testDevice("d1"), checker, 50*time.Millisecond))

	e := waitEvent(t, p)
	require.Error(t, e.Err)
	assert.Empty(t, e.Samples)

	// Clear the fault; the runner reconnects and polls again.
	checker.mu.Lock()
	checker.pollErr = nil
	checker.mu.Unlock()

	deadline := time.After(2 * time.Second)

	for {
		select {
		case e := <-p.Events():
			if e.Err == nil {
				assert.GreaterOrEqual(t, atomic.LoadInt32(&checker.connects), int32(2))

				return
			}
		case <-deadline:
			t.Fatal("session never recovered")
		}
	}
}

func TestSlowTargetDoesNotStallOthers(t *testing.T) {
	p := newTestPoller(t)

	slow := &fakeChecker{pollDelay: 10 * time.Second}
	fast := &fakeChecker{}

	require.NoError(t, p.Register(context.Background(), testDevice("slow"), slow, time.Minute))
	require.NoError(t, p.Register(context.Background(), testDevice("fast"), fast, 50*time.Millisecond))

	deadline := time.After(2 * time.Second)

	for {
		select {
		case e := <-p.Events():
			if e.DeviceID == "fast" && e.Err == nil {
				return
			}
		case <-deadline:
			t.Fatal("fast target starved by slow one")
		}
	}
}

func TestUnregisterIdempotent(t *testing.T) {
	p := newTestPoller(t)
	checker := &fakeChecker{}

	require.NoError(t, p.Register(context.Background(), testDevice("d1"), checker, 50*time.Millisecond))
	assert.True(t, p.Registered("d1"))

	p.Unregister("d1")
	assert.False(t, p.Registered("d1"))
	assert.GreaterOrEqual(t, atomic.LoadInt32(&checker.closes), int32(1))

	// Second unregister is a no-op.
	p.Unregister("d1")
	p.Unregister("never-registered")
}

func TestInject(t *testing.T) {
	p := newTestPoller(t)

	p.Inject(Event{
		DeviceID: "d9",
		Kind:     KindSNMP,
		Samples: []models.MetricSample{{
			DeviceID: "d9",
			Name:     models.MetricIfInOctets,
			Value:    1,
			Method:   models.MethodTrap,
		}},
		Timestamp: time.Now(),
	})

	e := waitEvent(t, p)
	assert.Equal(t, "d9", e.DeviceID)
	require.Len(t, e.Samples, 1)
	assert.Equal(t, models.MethodTrap, e.Samples[0].Method)
}

func TestStopWaitsForRunners(t *testing.T) {
	p := New(64)
	p.reconnectWait = 10 * time.Millisecond

	checker := &fakeChecker{}
	require.NoError(t, p.Register(context.Background(), testDevice("d1"), checker, 50*time.Millisecond))

	waitEvent(t, p)
	p.Stop()

	assert.False(t, p.Registered("d1"))
	assert.GreaterOrEqual(t, atomic.LoadInt32(&checker.closes), int32(1))
}
