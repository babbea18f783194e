// Package alerting evaluates threshold rules against the latest metric
// samples and manages discrete alert episodes (component failures,
// reachability loss, missed heartbeats) through the same dedup and
// cooldown rules.
package alerting

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mfreeman451/fleetmon/pkg/db"
	"github.com/mfreeman451/fleetmon/pkg/logger"
	"github.com/mfreeman451/fleetmon/pkg/models"
)

// defaultFreshness bounds how old a sample may be and still drive a
// rule whose duration window is unset.
const defaultFreshness = 5 * time.Minute

// Notifier receives episode transitions. Refreshes of an already open
// alert never reach it.
type Notifier interface {
	AlertFired(alert *models.Alert)
	AlertResolved(alert *models.Alert)
}

// noopNotifier lets the engine run without a dispatcher wired.
type noopNotifier struct{}

func (noopNotifier) AlertFired(*models.Alert)    {}
func (noopNotifier) AlertResolved(*models.Alert) {}

// Engine drives alert state. All transitions for one (rule, device)
// pair are serialized through a keyed lock so concurrent evaluation
// and check-ins cannot race episodes into existence twice.
type Engine struct {
	store    db.Service
	notifier Notifier

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex

	pingCooldown time.Duration
	nowFunc      func() time.Time
	log          zerolog.Logger
}

// NewEngine builds an engine. A nil notifier is allowed.
func NewEngine(store db.Service, notifier Notifier, pingCooldown time.Duration) *Engine {
	if notifier == nil {
		notifier = noopNotifier{}
	}

	if pingCooldown <= 0 {
		pingCooldown = time.Hour
	}

	return &Engine{
		store:        store,
		notifier:     notifier,
		locks:        make(map[string]*sync.Mutex),
		pingCooldown: pingCooldown,
		nowFunc:      time.Now,
		log:          logger.Component("alerting"),
	}
}

// Run evaluates all enabled rules at the given cadence until the
// context ends.
func (e *Engine) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.EvaluateAll()
		}
	}
}

// EvaluateAll runs one evaluation pass over every enabled rule. Rules
// are independent, so each gets its own goroutine; a rule stuck on a
// slow query cannot starve the rest of the pass. Episode transitions
// stay safe under the per (rule, device) locks.
func (e *Engine) EvaluateAll() {
	rules, err := e.store.ListAlertRules("", true)
	if err != nil {
		e.log.Error().Err(err).Msg("Failed to list alert rules")

		return
	}

	var wg sync.WaitGroup

	for _, rule := range rules {
		wg.Add(1)

		go func(rule *models.AlertRule) {
			defer wg.Done()
			e.evaluateRule(rule)
		}(rule)
	}

	wg.Wait()
}

// evaluateRule compares the latest fresh sample per device against the
// rule threshold. Devices with no fresh samples are skipped, never
// treated as zero.
func (e *Engine) evaluateRule(rule *models.AlertRule) {
	now := e.nowFunc()

	window := rule.Duration
	if window <= 0 {
		window = defaultFreshness
	}

	samples, err := e.store.GetLatestByName(rule.MetricName, now.Add(-window))
	if err != nil {
		e.log.Error().Err(err).
			Str("rule_id", rule.ID).
			Msg("Failed to fetch samples for rule")

		return
	}

	for i := range samples {
		sample := &samples[i]

		if rule.TenantID != "" && sample.TenantID != "" && sample.TenantID != rule.TenantID {
			continue
		}

		if rule.Operator.Compare(sample.Value, rule.Threshold) {
			message := fmt.Sprintf("%s %s %g (current %.2f) on device %s",
				rule.MetricName, rule.Operator, rule.Threshold,
				sample.Value, sample.DeviceID)

			e.trigger(rule.TenantID, rule.ID, sample.DeviceID, rule.Severity,
				message, sample.Value, rule.Cooldown, nil)
		} else {
			e.resolve(rule.ID, sample.DeviceID, "engine")
		}
	}
}

// TriggerDiscrete opens or refreshes a non-threshold episode.
func (e *Engine) TriggerDiscrete(tenantID, ruleID, deviceID string, severity models.Severity, message string, value float64, details map[string]string) error {
	e.trigger(tenantID, ruleID, deviceID, severity, message, value,
		e.cooldownFor(ruleID), details)

	return nil
}

// ResolveDiscrete closes a non-threshold episode if one is open.
func (e *Engine) ResolveDiscrete(ruleID, deviceID, resolvedBy string) error {
	e.resolve(ruleID, deviceID, resolvedBy)

	return nil
}

// trigger opens a new episode, or refreshes the open one without
// notifying again. New episodes within the cooldown window after the
// previous one are suppressed.
func (e *Engine) trigger(tenantID, ruleID, deviceID string, severity models.Severity, message string, value float64, cooldown time.Duration, details map[string]string) {
	unlock := e.lock(ruleID, deviceID)
	defer unlock()

	now := e.nowFunc()

	open, err := e.store.GetOpenAlert(ruleID, deviceID)
	if err == nil {
		if refreshErr := e.store.RefreshAlert(open.ID, value, severity, now); refreshErr != nil {
			e.log.Error().Err(refreshErr).
				Str("alert_id", open.ID).
				Msg("Failed to refresh alert")
		}

		return
	}

	if !errors.Is(err, db.ErrNotFound) {
		e.log.Error().Err(err).
			Str("rule_id", ruleID).
			Str("device_id", deviceID).
			Msg("Failed to look up open alert")

		return
	}

	if cooldown > 0 {
		lastStart, lastErr := e.store.LastEpisodeStart(ruleID, deviceID)
		if lastErr != nil {
			e.log.Error().Err(lastErr).
				Str("rule_id", ruleID).
				Msg("Failed to check episode cooldown")

			return
		}

		if !lastStart.IsZero() && now.Sub(lastStart) < cooldown {
			e.log.Debug().
				Str("rule_id", ruleID).
				Str("device_id", deviceID).
				Time("last_episode", lastStart).
				Msg("Episode suppressed by cooldown")

			return
		}
	}

	alert := &models.Alert{
		ID:               uuid.New().String(),
		TenantID:         tenantID,
		RuleID:           ruleID,
		DeviceID:         deviceID,
		Severity:         severity,
		Message:          message,
		CurrentValue:     value,
		Status:           models.AlertFiring,
		FirstTriggeredAt: now,
		LastTriggeredAt:  now,
		Details:          details,
	}

	if err := e.store.CreateAlert(alert); err != nil {
		if errors.Is(err, db.ErrAlertAlreadyOpen) {
			// Lost a race with another writer; their episode stands.
			return
		}

		e.log.Error().Err(err).
			Str("rule_id", ruleID).
			Str("device_id", deviceID).
			Msg("Failed to create alert")

		return
	}

	e.log.Warn().
		Str("rule_id", ruleID).
		Str("device_id", deviceID).
		Str("severity", string(severity)).
		Str("message", message).
		Msg("Alert fired")

	e.notifier.AlertFired(alert)
}

func (e *Engine) resolve(ruleID, deviceID, resolvedBy string) {
	unlock := e.lock(ruleID, deviceID)
	defer unlock()

	alert, err := e.store.ResolveAlert(ruleID, deviceID, resolvedBy, e.nowFunc())
	if err != nil {
		if !errors.Is(err, db.ErrNotFound) {
			e.log.Error().Err(err).
				Str("rule_id", ruleID).
				Str("device_id", deviceID).
				Msg("Failed to resolve alert")
		}

		return
	}

	e.log.Info().
		Str("rule_id", ruleID).
		Str("device_id", deviceID).
		Msg("Alert resolved")

	e.notifier.AlertResolved(alert)
}

func (e *Engine) cooldownFor(ruleID string) time.Duration {
	if strings.HasPrefix(ruleID, models.RulePingFailure) {
		return e.pingCooldown
	}

	return 0
}

// lock serializes transitions for one (rule, device) pair.
func (e *Engine) lock(ruleID, deviceID string) func() {
	key := ruleID + "\x00" + deviceID

	e.lockMu.Lock()

	mu, ok := e.locks[key]
	if !ok {
		mu = &sync.Mutex{}
		e.locks[key] = mu
	}
	e.lockMu.Unlock()

	mu.Lock()

	return mu.Unlock
}
