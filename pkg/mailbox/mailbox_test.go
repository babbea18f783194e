package mailbox

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mfreeman451/fleetmon/pkg/db"
	"github.com/mfreeman451/fleetmon/pkg/models"
)

type fakeCommandStore struct {
	db.CommandStore

	mu       sync.Mutex
	enqueued []*models.Command
	reaped   int64
	reapCh   chan struct{}
}

func (f *fakeCommandStore) EnqueueCommand(c *models.Command) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.enqueued = append(f.enqueued, c)

	return nil
}

func (f *fakeCommandStore) ReapExpiredCommands(_ time.Time) (int64, error) {
	f.mu.Lock()
	f.reaped++
	f.mu.Unlock()

	if f.reapCh != nil {
		select {
		case f.reapCh <- struct{}{}:
		default:
		}
	}

	return 1, nil
}

func TestEnqueueDefaults(t *testing.T) {
	store := &fakeCommandStore{}
	m := New(store)

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	m.nowFunc = func() time.Time { return now }

	cmd, err := m.Enqueue("d1", json.RawMessage(`{"action":"reboot"}`), 0, 0)
	require.NoError(t, err)

	assert.NotEmpty(t, cmd.ID)
	assert.Equal(t, models.CommandPending, cmd.Status)
	assert.Equal(t, DefaultPriority, cmd.Priority)
	assert.True(t, cmd.ExpiresAt.Equal(now.Add(DefaultTTL)))
	require.Len(t, store.enqueued, 1)
}

func TestEnqueueExplicitPriorityAndTTL(t *testing.T) {
	m := New(&fakeCommandStore{})

	cmd, err := m.Enqueue("d1", json.RawMessage(`{"action":"upgrade"}`), 1, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, cmd.Priority)
	assert.WithinDuration(t, time.Now().Add(time.Hour), cmd.ExpiresAt, time.Minute)
}

func TestEnqueueRejectsBadPayload(t *testing.T) {
	m := New(&fakeCommandStore{})

	_, err := m.Enqueue("d1", nil, 0, 0)
	assert.ErrorIs(t, err, ErrEmptyPayload)

	_, err = m.Enqueue("d1", json.RawMessage(`{not json`), 0, 0)
	assert.ErrorIs(t, err, ErrInvalidPayload)
}

func TestRunReaperStopsOnCancel(t *testing.T) {
	store := &fakeCommandStore{reapCh: make(chan struct{}, 1)}
	m := New(store)

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})

	go func() {
		defer close(done)
		m.RunReaper(ctx, 10*time.Millisecond)
	}()

	select {
	case <-store.reapCh:
	case <-time.After(time.Second):
		t.Fatal("reaper never ran")
	}

	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reaper did not stop on cancel")
	}
}
