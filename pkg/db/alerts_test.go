package db

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mfreeman451/fleetmon/pkg/models"
)

func testRule(id string) *models.AlertRule {
	return &models.AlertRule{
		ID:         id,
		TenantID:   "tenant-1",
		Name:       "high cpu",
		MetricName: models.MetricCPUPercent,
		Operator:   models.OpGreaterThan,
		Threshold:  90,
		Cooldown:   time.Hour,
		Severity:   models.SeverityWarning,
		Enabled:    true,
		Notify:     []string{"webhook"},
		CreatedAt:  time.Now().UTC(),
	}
}

func testAlert(id, ruleID, deviceID string, at time.Time) *models.Alert {
	return &models.Alert{
		ID:               id,
		TenantID:         "tenant-1",
		RuleID:           ruleID,
		DeviceID:         deviceID,
		Severity:         models.SeverityWarning,
		Message:          "cpu_percent above 90",
		CurrentValue:     95,
		Status:           models.AlertFiring,
		FirstTriggeredAt: at,
		LastTriggeredAt:  at,
	}
}

func TestAlertRuleRoundTrip(t *testing.T) {
	d := newTestDB(t)

	require.NoError(t, d.CreateAlertRule(testRule("r1")))

	got, err := d.GetAlertRule("r1")
	require.NoError(t, err)
	assert.Equal(t, models.OpGreaterThan, got.Operator)
	assert.InDelta(t, 90, got.Threshold, 0.001)
	assert.Equal(t, time.Hour, got.Cooldown)
	assert.Equal(t, []string{"webhook"}, got.Notify)

	require.NoError(t, d.SetAlertRuleEnabled("r1", false))

	rules, err := d.ListAlertRules("tenant-1", true)
	require.NoError(t, err)
	assert.Empty(t, rules)

	rules, err = d.ListAlertRules("tenant-1", false)
	require.NoError(t, err)
	assert.Len(t, rules, 1)
}

func TestSingleOpenAlertPerRuleAndDevice(t *testing.T) {
	d := newTestDB(t)

	now := time.Now().UTC()

	require.NoError(t, d.CreateAlert(testAlert("a1", "r1", "d1", now)))

	// Second open episode for the same pair is rejected.
	err := d.CreateAlert(testAlert("a2", "r1", "d1", now))
	assert.ErrorIs(t, err, ErrAlertAlreadyOpen)

	// Other devices and rules are unaffected.
	require.NoError(t, d.CreateAlert(testAlert("a3", "r1", "d2", now)))
	require.NoError(t, d.CreateAlert(testAlert("a4", "r2", "d1", now)))

	// Acknowledged still counts as open.
	require.NoError(t, d.AcknowledgeAlert("a1"))
	err = d.CreateAlert(testAlert("a5", "r1", "d1", now))
	assert.ErrorIs(t, err, ErrAlertAlreadyOpen)

	// Resolving frees the pair for a new episode.
	_, err = d.ResolveAlert("r1", "d1", "system", now)
	require.NoError(t, err)
	require.NoError(t, d.CreateAlert(testAlert("a5", "r1", "d1", now)))
}

func TestRefreshAlert(t *testing.T) {
	d := newTestDB(t)

	first := time.Now().UTC().Truncate(time.Second)
	later := first.Add(5 * time.Minute)

	require.NoError(t, d.CreateAlert(testAlert("a1", "r1", "d1", first)))
	require.NoError(t, d.RefreshAlert("a1", 98, models.SeverityCritical, later))

	got, err := d.GetOpenAlert("r1", "d1")
	require.NoError(t, err)
	assert.InDelta(t, 98, got.CurrentValue, 0.001)
	assert.Equal(t, models.SeverityCritical, got.Severity)
	assert.True(t, got.FirstTriggeredAt.Equal(first))
	assert.True(t, got.LastTriggeredAt.Equal(later))
}

func TestResolveAlert(t *testing.T) {
	d := newTestDB(t)

	now := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, d.CreateAlert(testAlert("a1", "r1", "d1", now)))

	resolved, err := d.ResolveAlert("r1", "d1", "operator", now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, models.AlertResolved, resolved.Status)
	assert.Equal(t, "operator", resolved.ResolvedBy)
	require.NotNil(t, resolved.ResolvedAt)

	// Nothing open anymore.
	_, err = d.GetOpenAlert("r1", "d1")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = d.ResolveAlert("r1", "d1", "operator", now)
	assert.ErrorIs(t, err, ErrNotFound)

	// Acknowledging a resolved alert fails.
	assert.ErrorIs(t, d.AcknowledgeAlert("a1"), ErrNotFound)
}

func TestLastEpisodeStart(t *testing.T) {
	d := newTestDB(t)

	start, err := d.LastEpisodeStart("r1", "d1")
	require.NoError(t, err)
	assert.True(t, start.IsZero())

	first := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, d.CreateAlert(testAlert("a1", "r1", "d1", first)))
	_, err = d.ResolveAlert("r1", "d1", "system", first.Add(time.Minute))
	require.NoError(t, err)

	// Resolved episodes still anchor the cooldown window.
	start, err = d.LastEpisodeStart("r1", "d1")
	require.NoError(t, err)
	assert.True(t, start.Equal(first))
}

func TestListAlerts(t *testing.T) {
	d := newTestDB(t)

	now := time.Now().UTC()

	require.NoError(t, d.CreateAlert(testAlert("a1", "r1", "d1", now.Add(-time.Hour))))
	require.NoError(t, d.CreateAlert(testAlert("a2", "r1", "d2", now)))
	_, err := d.ResolveAlert("r1", "d1", "system", now)
	require.NoError(t, err)

	firing, err := d.ListAlerts("tenant-1", models.AlertFiring, 10)
	require.NoError(t, err)
	require.Len(t, firing, 1)
	assert.Equal(t, "a2", firing[0].ID)

	all, err := d.ListAlerts("", "", 10)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
