package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/roastradar/catalog-sync/internal/config"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertJobFailureRate  AlertType = "job_failure_rate"
	AlertReviewBacklog   AlertType = "review_backlog"
	AlertSourcePaused    AlertType = "source_paused"
	AlertBudgetSpent     AlertType = "budget_exhausted"
	AlertPriceDeltaSpike AlertType = "price_delta_spike"
)

// Alert is a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates snapshots against configured thresholds and delivers
// alerts via webhook. The alerting transport beyond the webhook POST is an
// external collaborator.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
}

// NewAlerter creates an Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *Snapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	finished := snap.JobsSucceeded + snap.JobsPartial + snap.JobsFailed
	if finished >= 5 && a.cfg.FailureRateAlert > 0 && snap.JobFailRate > a.cfg.FailureRateAlert {
		alerts = append(alerts, Alert{
			Type:     AlertJobFailureRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"job failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d finished in last %dh)",
				snap.JobFailRate*100, a.cfg.FailureRateAlert*100,
				snap.JobsFailed, finished, snap.LookbackHours,
			),
			Details: map[string]any{
				"fail_rate":          snap.JobFailRate,
				"threshold":          a.cfg.FailureRateAlert,
				"failures_by_source": snap.FailuresBySource,
			},
			Timestamp: now,
		})
	}

	if a.cfg.ReviewDepthAlert > 0 && snap.ReviewDepth > a.cfg.ReviewDepthAlert {
		alerts = append(alerts, Alert{
			Type:     AlertReviewBacklog,
			Severity: "medium",
			Message: fmt.Sprintf(
				"review queue depth %d exceeds threshold %d",
				snap.ReviewDepth, a.cfg.ReviewDepthAlert,
			),
			Details: map[string]any{
				"depth":     snap.ReviewDepth,
				"threshold": a.cfg.ReviewDepthAlert,
			},
			Timestamp: now,
		})
	}

	// A burst of price changes across the catalog usually means a currency
	// or minor-unit parsing regression, not a real repricing event. Small
	// windows are too noisy to judge.
	if a.cfg.PriceDeltaAlertPct > 0 && snap.Stats.ArtifactsProcessed >= 20 {
		ratio := float64(snap.Stats.PriceDeltas) / float64(snap.Stats.ArtifactsProcessed)
		if ratio > a.cfg.PriceDeltaAlertPct {
			alerts = append(alerts, Alert{
				Type:     AlertPriceDeltaSpike,
				Severity: "medium",
				Message: fmt.Sprintf(
					"%d price deltas across %d artifacts (%.0f%%) exceeds threshold %.0f%%",
					snap.Stats.PriceDeltas, snap.Stats.ArtifactsProcessed,
					ratio*100, a.cfg.PriceDeltaAlertPct*100,
				),
				Details: map[string]any{
					"price_deltas": snap.Stats.PriceDeltas,
					"artifacts":    snap.Stats.ArtifactsProcessed,
					"threshold":    a.cfg.PriceDeltaAlertPct,
				},
				Timestamp: now,
			})
		}
	}

	return alerts
}

// SourcePaused builds the escalation alert raised when a source's future
// scheduling stops.
func SourcePaused(domain, reason string) Alert {
	return Alert{
		Type:     AlertSourcePaused,
		Severity: "high",
		Message:  fmt.Sprintf("source %s paused: %s", domain, reason),
		Details: map[string]any{
			"source": domain,
			"reason": reason,
		},
		Timestamp: time.Now().UTC(),
	}
}

// BudgetExhausted builds the operator-visible flag for a spent fallback
// budget.
func BudgetExhausted(domain, budget string) Alert {
	return Alert{
		Type:     AlertBudgetSpent,
		Severity: "medium",
		Message:  fmt.Sprintf("source %s exhausted its %s budget", domain, budget),
		Details: map[string]any{
			"source": domain,
			"budget": budget,
		},
		Timestamp: time.Now().UTC(),
	}
}

// Send delivers alerts to the configured webhook. A missing webhook URL
// logs the alerts instead of dropping them.
func (a *Alerter) Send(ctx context.Context, alerts []Alert) error {
	if len(alerts) == 0 {
		return nil
	}
	if a.cfg.WebhookURL == "" {
		for _, alert := range alerts {
			zap.L().Warn("alert (no webhook configured)",
				zap.String("type", string(alert.Type)),
				zap.String("severity", alert.Severity),
				zap.String("message", alert.Message),
			)
		}
		return nil
	}

	payload, err := json.Marshal(map[string]any{"alerts": alerts})
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alerts")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: post webhook")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return eris.Errorf("monitoring: webhook returned %d", resp.StatusCode)
	}
	zap.L().Info("alerts sent", zap.Int("count", len(alerts)))
	return nil
}
