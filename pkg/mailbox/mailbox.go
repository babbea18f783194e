// Package mailbox manages the per-device command queue. Commands are
// held until the device drains them during a check-in; pending commands
// past their TTL are reaped in the background.
package mailbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mfreeman451/fleetmon/pkg/db"
	"github.com/mfreeman451/fleetmon/pkg/logger"
	"github.com/mfreeman451/fleetmon/pkg/models"
)

const (
	// DefaultPriority is assigned when the caller does not set one.
	// Lower values drain first.
	DefaultPriority = 5
	// DefaultTTL bounds how long an undelivered command stays pending.
	DefaultTTL = 24 * time.Hour
)

var (
	ErrEmptyPayload   = errors.New("command payload is empty")
	ErrInvalidPayload = errors.New("command payload is not valid JSON")
)

// Mailbox enqueues, drains, and reaps device commands.
type Mailbox struct {
	store   db.CommandStore
	log     zerolog.Logger
	nowFunc func() time.Time
}

// New returns a Mailbox on top of the command store.
func New(store db.CommandStore) *Mailbox {
	return &Mailbox{
		store:   store,
		log:     logger.Component("mailbox"),
		nowFunc: time.Now,
	}
}

// Enqueue stores a new pending command for a device. A zero priority
// takes the default, as does a zero TTL.
func (m *Mailbox) Enqueue(deviceID string, payload json.RawMessage, priority int, ttl time.Duration) (*models.Command, error) {
	if len(payload) == 0 {
		return nil, ErrEmptyPayload
	}

	if !json.Valid(payload) {
		return nil, ErrInvalidPayload
	}

	if priority == 0 {
		priority = DefaultPriority
	}

	if ttl <= 0 {
		ttl = DefaultTTL
	}

	now := m.nowFunc()

	cmd := &models.Command{
		ID:        uuid.New().String(),
		DeviceID:  deviceID,
		Status:    models.CommandPending,
		Priority:  priority,
		Payload:   payload,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}

	if err := m.store.EnqueueCommand(cmd); err != nil {
		return nil, fmt.Errorf("failed to enqueue command: %w", err)
	}

	m.log.Debug().
		Str("device_id", deviceID).
		Str("command_id", cmd.ID).
		Int("priority", priority).
		Msg("Command enqueued")

	return cmd, nil
}

// Drain claims up to limit pending commands for the device and marks
// them sent. Expired commands are never delivered.
func (m *Mailbox) Drain(deviceID string, limit int) ([]*models.Command, error) {
	return m.store.DrainCommands(deviceID, limit, m.nowFunc())
}

// Complete marks a delivered command as completed.
func (m *Mailbox) Complete(commandID string) error {
	return m.store.CompleteCommand(commandID, m.nowFunc())
}

// RunReaper expires stale pending commands at the given interval until
// the context is canceled.
func (m *Mailbox) RunReaper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := m.store.ReapExpiredCommands(m.nowFunc())
			if err != nil {
				m.log.Error().Err(err).Msg("Failed to reap expired commands")

				continue
			}

			if n > 0 {
				m.log.Info().Int64("count", n).Msg("Expired stale commands")
			}
		}
	}
}
